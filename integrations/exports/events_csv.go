package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

var csvHeader = []string{"sequence", "type", "agreement_id", "amount", "attributes", "recorded_at", "prev_hash", "hash"}

// EventsCSV builds a CSV export of journal records and returns the serialised
// data alongside a SHA-256 checksum of the payload.
func EventsCSV(records []eventlog.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return nil, "", err
		}
		row := []string{
			strconv.FormatUint(rec.Sequence, 10),
			rec.Type,
			rec.Attributes["id"],
			rec.Attributes["amount"],
			string(attrs),
			rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			rec.PrevHash,
			rec.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
