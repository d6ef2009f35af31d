package metadata

import (
	"testing"

	"google.golang.org/grpc/codes"
)

func TestClientInitialSetsMethodPath(t *testing.T) {
	m := ClientInitial("Echo", "Say")
	path, ok := m.MethodPath()
	if !ok || path != "/Echo/Say" {
		t.Fatalf("got %q, %v; want /Echo/Say, true", path, ok)
	}
}

func TestTrailerRoundTripsStatus(t *testing.T) {
	want := New(codes.NotFound, "no such client")
	m := Trailer(want)
	got := FromTrailer(m)
	if got.Code != want.Code || got.Message != want.Message {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetFirstMatchWins(t *testing.T) {
	m := New()
	m.Add("x", "first")
	m.Add("x", "second")
	v, ok := m.Get("x")
	if !ok || v != "first" {
		t.Fatalf("got %q, %v; want first, true", v, ok)
	}
}
