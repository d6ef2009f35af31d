package metadata

import (
	"fmt"
	"strconv"
)

// ClientInitial builds the first metadata frame a client sends when opening
// a new stream: it sets the method path header used by the endpoint
// dispatcher (§4.6) to route the stream to a handler.
func ClientInitial(serviceName, methodName string) MD {
	m := New()
	m.Add(HeaderMethodPath, fmt.Sprintf("/%s/%s", serviceName, methodName))
	m.Add(HeaderContentType, ContentTypeBinary)
	return m
}

// ClientInitialWithContentType is ClientInitial with an explicit
// content-type tag (§4.4's format tag is informational but still carried).
func ClientInitialWithContentType(serviceName, methodName, contentType string) MD {
	m := ClientInitial(serviceName, methodName)
	for i := range m.pairs {
		if m.pairs[i].Name == HeaderContentType {
			m.pairs[i].Value = contentType
			return m
		}
	}
	return m
}

// ServerInitial builds the responder's first metadata frame: empty except
// for the content-type tag.
func ServerInitial() MD {
	m := New()
	m.Add(HeaderContentType, ContentTypeBinary)
	return m
}

// Trailer builds the final metadata frame for a stream: status code and an
// optional human-readable message. Callers are responsible for sending it
// with end-of-stream set, per §4.2.
func Trailer(status Status) MD {
	m := New()
	m.Add(HeaderStatus, strconv.Itoa(int(status.Code)))
	if status.Message != "" {
		m.Add(HeaderStatusMessage, status.Message)
	}
	return m
}
