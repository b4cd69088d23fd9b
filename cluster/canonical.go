package cluster

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// canonicalAPI sorts object keys during marshaling, giving two structurally
// equal JSON values an identical serialized form regardless of the order
// their source produced their fields in. UseNumber keeps each JSON number's
// original text, so 1 and 1.0 stay distinct.
var canonicalAPI = jsoniter.Config{SortMapKeys: true, UseNumber: true}.Froze()

// canonicalize renders raw into its canonical-form string: decode to a
// generic value, then re-encode with sorted object keys. Two peer results
// agree iff their canonical strings are byte-identical. Numerically-equal
// but textually-different values (e.g. "0x1" vs "0x01") are treated as
// disagreeing, which is the conservative choice for quorum comparison.
func canonicalize(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := canonicalAPI.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	out, err := canonicalAPI.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
