package exports

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

type parquetRow struct {
	Sequence    int64  `parquet:"name=sequence, type=INT64"`
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgreementID string `parquet:"name=agreement_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes  string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt  string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash    string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash        string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteEventsParquet writes records to a SNAPPY-compressed Parquet file at path.
func WriteEventsParquet(path string, records []eventlog.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: encode attributes: %w", err)
		}
		row := &parquetRow{
			Sequence:    int64(rec.Sequence),
			Type:        rec.Type,
			AgreementID: rec.Attributes["id"],
			Amount:      rec.Attributes["amount"],
			Attributes:  string(attrs),
			RecordedAt:  rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			PrevHash:    rec.PrevHash,
			Hash:        rec.Hash,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
