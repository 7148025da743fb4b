package httpapi

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// projectFields implements spec §6's "response_fields" dotted-path
// projection: when the caller names a subset of fields, the JSON response
// is rebuilt containing only those paths instead of the full object. Uses
// gjson to pull each path out of the marshaled body and sjson to assemble
// the projected object, so neither side needs a full struct-to-struct
// remapping — the same pull-fields-without-a-full-parse approach the
// chat-parser formats use for partial tool-call JSON.
func projectFields(body any, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		return json.Marshal(body)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	full := gjson.ParseBytes(raw)

	out := []byte("{}")

	for _, path := range fields {
		res := full.Get(path)
		if !res.Exists() {
			continue
		}

		out, err = sjson.SetRawBytes(out, path, []byte(res.Raw))
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
