// Package metadata models the ordered header/trailer lists carried on every
// stream (§3, §4.2): an ordered list of (name, value) string pairs, with a
// handful of well-known names used for method dispatch and status
// reporting.
package metadata

// Well-known header names. ClientInitial always sets the method path under
// the colon-prefixed pseudo-header form real HTTP/2 gRPC peers use;
// MD.MethodPath also accepts the equivalent grpc-method-path name when
// reading (§6.1).
const (
	HeaderMethodPath       = ":path"
	HeaderMethodPathFallback = "grpc-method-path"
	HeaderStatus           = "grpc-status"
	HeaderStatusMessage    = "grpc-message"
	HeaderContentType      = "content-type"

	ContentTypeBinary = "application/grpc"
	ContentTypeJSON   = "application/grpc+json"
	ContentTypeCBOR   = "application/grpc+cbor"
)

// Pair is one (name, value) entry. Order is significant; duplicates are
// permitted (first match wins on lookup) but discouraged.
type Pair struct {
	Name  string
	Value string
}

// MD is an ordered header/trailer list.
type MD struct {
	pairs []Pair
}

// New returns an empty MD.
func New() MD { return MD{} }

// FromPairs builds an MD from name/value pairs supplied two-at-a-time,
// mirroring the shape of similar constructors elsewhere in the ecosystem.
func FromPairs(kv ...string) MD {
	m := MD{}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Add(kv[i], kv[i+1])
	}
	return m
}

// Add appends a pair, preserving any existing pair of the same name.
func (m *MD) Add(name, value string) {
	m.pairs = append(m.pairs, Pair{Name: name, Value: value})
}

// Get returns the value of the first pair with the given name,
// case-sensitively, per §4.2.
func (m MD) Get(name string) (string, bool) {
	for _, p := range m.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Pairs returns the ordered list backing this MD. The caller must not
// mutate the returned slice.
func (m MD) Pairs() []Pair { return m.pairs }

// Clone returns an independent copy.
func (m MD) Clone() MD {
	cp := make([]Pair, len(m.pairs))
	copy(cp, m.pairs)
	return MD{pairs: cp}
}

// Merge appends other's pairs after m's, returning a new MD.
func (m MD) Merge(other MD) MD {
	out := m.Clone()
	out.pairs = append(out.pairs, other.pairs...)
	return out
}

// MethodPath extracts the `/<ServiceName>/<MethodName>` path set by a
// client on the first metadata frame of a new stream, trying both the
// canonical pseudo-header and its fallback name.
func (m MD) MethodPath() (string, bool) {
	if v, ok := m.Get(HeaderMethodPath); ok {
		return v, true
	}
	return m.Get(HeaderMethodPathFallback)
}
