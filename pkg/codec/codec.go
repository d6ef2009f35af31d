// Package codec provides the pluggable per-message-type serialization
// named in §4.4. The format tag on the wire is informational only — both
// sides agree on a codec out-of-band, at contract registration time.
package codec

// Format is the informational tag carried in a stream's content-type
// header (§6.1).
type Format string

const (
	FormatJSON   Format = "json"
	FormatCBOR   Format = "cbor"
	FormatBinary Format = "binary"
	FormatOther  Format = "other"
)

// Codec serializes and deserializes a single Go value to and from the bytes
// carried by a payload Message.
type Codec interface {
	Format() Format
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
