package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborDecMode canonicalizes decoded map keys to strings — §4.4 requires
// "CBOR keys in decoded maps are canonicalized to strings" rather than the
// library's default map[any]any for untyped targets.
var cborDecMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}

type cborCodec struct{}

// CBOR returns the shared CBOR codec instance.
func CBOR() Codec { return cborCodec{} }

func (cborCodec) Format() Format { return FormatCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}
