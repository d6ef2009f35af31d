package transport

import (
	"encoding/json"

	"github.com/nogipx/rpcmesh/pkg/metadata"
)

// wireMD is the reserved form §6.2 describes for bindings that lack a
// native header/trailer frame mechanism: a plain JSON object carrying the
// ordered pair list. The in-memory and WebSocket bindings in this package
// always use it, since neither has a native HEADERS frame to borrow.
type wireMD struct {
	MetadataOnly bool              `json:"metadata_only"`
	Headers      []metadata.Pair   `json:"headers"`
	EndStream    bool              `json:"end_stream"`
}

func encodeMetadata(m metadata.MD, endStream bool) ([]byte, error) {
	return json.Marshal(wireMD{MetadataOnly: true, Headers: m.Pairs(), EndStream: endStream})
}

func decodeMetadata(data []byte) (metadata.MD, bool, error) {
	var w wireMD
	if err := json.Unmarshal(data, &w); err != nil {
		return metadata.MD{}, false, err
	}
	m := metadata.New()
	for _, p := range w.Headers {
		m.Add(p.Name, p.Value)
	}
	return m, w.EndStream, nil
}
