package artifact

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Query extracts a value at path from a hierarchical content value, the way
// the capability object lets executing code navigate a read() result without
// unmarshalling the whole structure into a typed Go value first. content is
// JSON-encoded internally (gjson operates on encoded text, not Go values
// directly); ok reports whether path resolved to anything.
func Query(content any, path string) (value any, ok bool, err error) {
	if content == nil {
		return nil, false, nil
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, false, err
	}
	result := gjson.GetBytes(encoded, path)
	if !result.Exists() {
		return nil, false, nil
	}
	return result.Value(), true, nil
}
