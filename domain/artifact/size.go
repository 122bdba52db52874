package artifact

import "encoding/json"

// Size estimates the on-disk footprint of an artifact's mutable payload
// (content + code), the quantity metered against a principal's disk quota.
// It is computed by JSON-encoding rather than carried as a stored field, so
// it always reflects the artifact's current state.
func Size(content any, code string) (int64, error) {
	n := int64(len(code))
	if content == nil {
		return n, nil
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return 0, err
	}
	return n + int64(len(encoded)), nil
}

// (*Artifact).Size returns the current on-disk footprint of this artifact.
func (a *Artifact) Size() (int64, error) {
	return Size(a.Content, a.Code)
}
