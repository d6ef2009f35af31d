package metadata

import (
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status is the terminal outcome of a stream, carried on its trailer.
// Code reuses grpc's canonical Code enumeration directly — §3 defines the
// StatusCode enum to be bit-identical to it (OK=0 .. Unauthenticated=16),
// and the teacher (internal/handler/grpc/delivery.go) already imports
// these two packages for exactly this purpose.
type Status struct {
	Code    codes.Code
	Message string
	Details map[string]any
}

// OK is the canonical successful terminal status.
var OK = Status{Code: codes.OK}

// New builds a Status, matching status.New's shape.
func New(code codes.Code, message string) Status {
	return Status{Code: code, Message: message}
}

// Err renders the Status as a standard Go error via grpc's status package,
// so application code can use status.FromError / status.Code on it.
func (s Status) Err() error {
	if s.Code == codes.OK {
		return nil
	}
	return status.Error(s.Code, s.Message)
}

// FromTrailer reconstructs a Status from a received trailer MD.
func FromTrailer(m MD) Status {
	s := Status{Code: codes.Unknown}
	if raw, ok := m.Get(HeaderStatus); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			s.Code = codes.Code(n)
		}
	}
	if msg, ok := m.Get(HeaderStatusMessage); ok {
		s.Message = msg
	}
	return s
}

// FromError maps any error into a Status, defaulting to Internal for
// errors that did not originate as a Status (§7: "any other thrown value
// becomes Internal").
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	if st, ok := status.FromError(err); ok {
		return Status{Code: st.Code(), Message: st.Message()}
	}
	return Status{Code: codes.Internal, Message: err.Error()}
}
