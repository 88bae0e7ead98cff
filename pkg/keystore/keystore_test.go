package keystore

import (
	"testing"

	"github.com/cuemby/fleetsync/pkg/types"
)

func TestRegisterAndResolve(t *testing.T) {
	s := New()
	s.Register(3, types.Identity{ID: "007", Name: "agent-007", PeerAddress: "10.0.0.7"})

	id, ok := s.Resolve(3)
	if !ok {
		t.Fatal("expected resolution to succeed")
	}
	if id.ID != "007" || id.Name != "agent-007" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveUnknown(t *testing.T) {
	s := New()
	if _, ok := s.Resolve(99); ok {
		t.Fatal("expected unknown index to resolve false")
	}
}

func TestRemove(t *testing.T) {
	s := New()
	s.Register(1, types.Identity{ID: "a"})
	s.Remove(1)
	if _, ok := s.Resolve(1); ok {
		t.Fatal("expected removed index to resolve false")
	}
}
