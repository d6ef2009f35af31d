package codec

import "fmt"

// binaryCodec is the opaque passthrough format: the payload bytes are the
// message. It is used for method registrations that exchange raw byte
// strings rather than structured values.
type binaryCodec struct{}

// Binary returns the shared binary (opaque) codec instance.
func Binary() Codec { return binaryCodec{} }

func (binaryCodec) Format() Format { return FormatBinary }

func (binaryCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("binary codec: unsupported type %T, want []byte", v)
	}
}

func (binaryCodec) Unmarshal(data []byte, v any) error {
	ptr, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("binary codec: unsupported target %T, want *[]byte", v)
	}
	*ptr = make([]byte, len(data))
	copy(*ptr, data)
	return nil
}
