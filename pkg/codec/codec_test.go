package codec

import "testing"

type sample struct {
	Name  string         `json:"name" cbor:"name"`
	Count int64          `json:"count" cbor:"count"`
	Tags  []string       `json:"tags" cbor:"tags"`
	Meta  map[string]any `json:"meta" cbor:"meta"`
}

func roundTrip(t *testing.T, c Codec) {
	t.Helper()
	in := sample{Name: "x", Count: 42, Tags: []string{"a", "b"}, Meta: map[string]any{"k": "v"}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out sample
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != len(in.Tags) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestJSONRoundTrip(t *testing.T) { roundTrip(t, JSON()) }
func TestCBORRoundTrip(t *testing.T) { roundTrip(t, CBOR()) }

func TestBinaryRoundTrip(t *testing.T) {
	in := []byte("raw bytes")
	data, err := Binary().Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out []byte
	if err := Binary().Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q, want %q", out, in)
	}
}

func TestCBORCanonicalizesMapKeysToStrings(t *testing.T) {
	data, err := CBOR().Marshal(map[string]any{"a": 1, "b": "two"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := CBOR().Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["a"]; !ok {
		t.Fatalf("expected string key %q in %+v", "a", out)
	}
}
