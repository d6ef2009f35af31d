package codec

import jsoniter "github.com/json-iterator/go"

// jsonFast follows the fast-path jsoniter configuration used elsewhere in
// the pack (rockstar-0000-aistore/dsort/dsort.go: `var js =
// jsoniter.ConfigFastest`) rather than reaching for the stdlib encoding/json
// on the hot delivery path, but keeps full float precision: ConfigFastest
// writes floats with six digits, which would not round-trip float64.
var jsonFast = jsoniter.Config{EscapeHTML: false, ObjectFieldMustBeSimpleString: true}.Froze()

// JSON is the JSON Codec, required to round-trip the primitive set in
// §4.4: null, bool, int64, float64, string, byte string, ordered list, map
// with string keys.
type jsonCodec struct{}

// JSON returns the shared JSON codec instance.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Format() Format { return FormatJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return jsonFast.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return jsonFast.Unmarshal(data, v)
}
