package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

// EventsJSONL builds a JSON Lines export of journal records and returns the
// serialised payload alongside a checksum.
func EventsJSONL(records []eventlog.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
