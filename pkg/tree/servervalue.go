package tree

import (
	"bytes"
	"encoding/json"
	"time"
)

// ServerTimestamp is a placeholder replaced with backend time (ms since epoch)
// when the write is applied, including armed on-disconnect writes.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

var svMarker = []byte(`".sv"`)

// ResolveServerValues replaces ServerTimestamp placeholders in raw.
func ResolveServerValues(raw json.RawMessage, now time.Time) (json.RawMessage, error) {
	if raw == nil || !bytes.Contains(raw, svMarker) {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	v = resolve(v, now.UnixMilli())
	return json.Marshal(v)
}

func resolve(v any, ms int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if sv, ok := t[".sv"]; ok && sv == "timestamp" {
				return ms
			}
		}
		for k, child := range t {
			t[k] = resolve(child, ms)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = resolve(child, ms)
		}
		return t
	default:
		return v
	}
}
