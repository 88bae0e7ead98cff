package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/fleetsync/pkg/keystore"
	"github.com/cuemby/fleetsync/pkg/pending"
	"github.com/cuemby/fleetsync/pkg/request"
	"github.com/cuemby/fleetsync/pkg/types"
)

type fakeAcker struct {
	acked []string
}

func (f *fakeAcker) Ack(_ context.Context, agentID string) error {
	f.acked = append(f.acked, agentID)
	return nil
}

func newTestIntake(t *testing.T) (*Intake, *pending.State, *fakeAcker) {
	t.Helper()
	dir := t.TempDir()
	keys := keystore.New()
	keys.Register(1, types.Identity{ID: "001", Name: "agent-001", PeerAddress: "10.0.0.1"})
	p := pending.New(4)
	acker := &fakeAcker{}
	in := New(Config{AgentInfoDir: dir}, keys, p, request.NewRouter(), acker)
	return in, p, acker
}

func TestIngestKeepAliveEnqueues(t *testing.T) {
	in, p, acker := newTestIntake(t)

	err := in.Ingest(context.Background(), 1, []byte("Linux |host|4.0\nab12 merged.mg\n"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(acker.acked) != 1 || acker.acked[0] != "001" {
		t.Fatalf("expected ack for 001, got %v", acker.acked)
	}

	id, msg, ok := p.Pop()
	if !ok || id != "001" {
		t.Fatalf("expected pending entry for 001, got id=%s ok=%v", id, ok)
	}
	if msg != "Linux |host|4.0\nab12 merged.mg\n" {
		t.Fatalf("unexpected stored message: %q", msg)
	}
}

func TestIngestStartupNotice(t *testing.T) {
	in, _, acker := newTestIntake(t)

	if err := in.Ingest(context.Background(), 1, []byte(startupNotice)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(acker.acked) != 1 {
		t.Fatalf("expected startup to be acked, got %v", acker.acked)
	}
}

func TestIngestRequestFrame(t *testing.T) {
	dir := t.TempDir()
	keys := keystore.New()
	keys.Register(1, types.Identity{ID: "001", Name: "agent-001", PeerAddress: "10.0.0.1"})
	p := pending.New(4)
	acker := &fakeAcker{}
	router := request.NewRouter()
	in := New(Config{AgentInfoDir: dir}, keys, p, router, acker)

	if err := in.Ingest(context.Background(), 1, []byte("#!-req 42 getconfig client")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	payload, ok := router.Lookup("42")
	if !ok || payload != "getconfig client" {
		t.Fatalf("unexpected request payload: %q ok=%v", payload, ok)
	}
}

func TestIngestUnknownAgent(t *testing.T) {
	in, _, _ := newTestIntake(t)

	err := in.Ingest(context.Background(), 99, []byte("Linux\nab12 merged.mg\n"))
	if err == nil {
		t.Fatal("expected error for unregistered agent index")
	}
}

func TestIngestMalformedKeepAlive(t *testing.T) {
	in, _, acker := newTestIntake(t)

	err := in.Ingest(context.Background(), 1, []byte("no newline at all"))
	if err == nil {
		t.Fatal("expected error for malformed keep-alive")
	}
	if len(acker.acked) != 1 {
		t.Fatalf("expected ack to still be sent before the malformed check, got %v", acker.acked)
	}
}

func TestIngestWritesKeepAliveFile(t *testing.T) {
	in, _, _ := newTestIntake(t)

	if err := in.Ingest(context.Background(), 1, []byte("Linux |host|4.0\nab12 merged.mg\n")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if _, err := os.Stat(filepath.Join(in.cfg.AgentInfoDir, "agent-001-10.0.0.1")); err != nil {
		t.Fatalf("expected keep-alive file to be written: %v", err)
	}
}

func TestIngestKeepAliveFileNamesDoNotCollideAcrossPeerAddresses(t *testing.T) {
	dir := t.TempDir()
	keys := keystore.New()
	keys.Register(1, types.Identity{ID: "001", Name: "agent-shared", PeerAddress: "10.0.0.1"})
	keys.Register(2, types.Identity{ID: "002", Name: "agent-shared", PeerAddress: "10.0.0.2"})
	p := pending.New(4)
	acker := &fakeAcker{}
	in := New(Config{AgentInfoDir: dir}, keys, p, request.NewRouter(), acker)

	if err := in.Ingest(context.Background(), 1, []byte("Linux |host|4.0\nab12 merged.mg\n")); err != nil {
		t.Fatalf("Ingest agent 1: %v", err)
	}
	if err := in.Ingest(context.Background(), 2, []byte("Linux |host|4.0\ncd34 merged.mg\n")); err != nil {
		t.Fatalf("Ingest agent 2: %v", err)
	}

	firstPath := filepath.Join(dir, "agent-shared-10.0.0.1")
	secondPath := filepath.Join(dir, "agent-shared-10.0.0.2")
	if _, err := os.Stat(firstPath); err != nil {
		t.Fatalf("expected keep-alive file for first peer: %v", err)
	}
	if _, err := os.Stat(secondPath); err != nil {
		t.Fatalf("expected keep-alive file for second peer: %v", err)
	}
}
