package transport

import "google.golang.org/grpc/codes"

// CodeOf extracts the status code carried by a *StreamError, or
// codes.Unknown for any other error shape. Callers surfacing a transport
// failure to a contract-layer caller (§4.6) use this to build a
// metadata.Status without a type switch at every call site.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if se, ok := err.(*StreamError); ok {
		return se.Code
	}
	return codes.Unknown
}
