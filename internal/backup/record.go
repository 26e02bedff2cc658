package backup

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record describes one preserved prior version of an original file. It is
// persisted as the backup copy plus a JSON sidecar at {BackupPath}.json;
// the pair is the atomic unit and a copy without a valid sidecar is
// invisible to listing and unrestorable.
type Record struct {
	OriginalPath string         // path the backup was taken from
	BackupPath   string         // path of the copy inside the store
	Timestamp    int64          // creation time, unix milliseconds
	Date         string         // same instant, RFC 3339
	Metadata     map[string]any // caller-supplied context, e.g. who triggered the overwrite
}

// reserved sidecar keys that caller metadata may not override.
var reservedKeys = map[string]bool{
	"originalPath": true,
	"backupPath":   true,
	"timestamp":    true,
	"date":         true,
}

// marshalSidecar renders the record as a flat JSON object with caller
// metadata spread at the top level next to the fixed fields.
func marshalSidecar(rec Record) ([]byte, error) {
	doc := make(map[string]any, len(rec.Metadata)+4)
	for k, v := range rec.Metadata {
		if !reservedKeys[k] {
			doc[k] = v
		}
	}
	doc["originalPath"] = rec.OriginalPath
	doc["backupPath"] = rec.BackupPath
	doc["timestamp"] = rec.Timestamp
	doc["date"] = rec.Date
	return json.MarshalIndent(doc, "", "  ")
}

// unmarshalSidecar parses a sidecar document, splitting the fixed fields
// from caller metadata.
func unmarshalSidecar(data []byte) (Record, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, err
	}

	rec := Record{Metadata: make(map[string]any)}
	for k, v := range doc {
		switch k {
		case "originalPath":
			rec.OriginalPath, _ = v.(string)
		case "backupPath":
			rec.BackupPath, _ = v.(string)
		case "timestamp":
			n, ok := v.(float64)
			if !ok {
				return Record{}, fmt.Errorf("timestamp is not a number")
			}
			rec.Timestamp = int64(n)
		case "date":
			rec.Date, _ = v.(string)
		default:
			rec.Metadata[k] = v
		}
	}
	if rec.OriginalPath == "" {
		return Record{}, fmt.Errorf("missing originalPath")
	}
	return rec, nil
}

// Time returns the record's creation time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}
