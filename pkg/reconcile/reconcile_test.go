package reconcile

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/fleetsync/pkg/bundle"
	"github.com/cuemby/fleetsync/pkg/groupstore"
	"github.com/cuemby/fleetsync/pkg/pending"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []string
}

func (p *recordingPusher) PushFile(_ context.Context, agentID, checksum, name, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, agentID+":"+name)
	return nil
}

func (p *recordingPusher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pushed))
	copy(out, p.pushed)
	return out
}

func TestReconcilePushesDriftedFile(t *testing.T) {
	dir := t.TempDir()
	writeGroupFiles(t, dir, "default", map[string]string{"a.txt": "hello"})
	idx := bundle.NewIndex()
	b := bundle.New(bundle.Config{SharedDir: dir}, idx)
	if err := b.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	gs, err := groupstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gs.Close()
	gs.SetAgentGroup("agent-1", "default")

	p := pending.New(4)
	pusher := &recordingPusher{}
	w := New(p, idx, gs, pusher, dir)
	w.Start(1)
	defer w.Stop()

	p.Ingest("agent-1", "Linux |host|4.0\nwrongsum a.txt\n")

	waitFor(t, func() bool { return len(pusher.names()) == 1 })
	if got := pusher.names(); len(got) != 1 || got[0] != "agent-1:a.txt" {
		t.Fatalf("unexpected pushes: %v", got)
	}
}

func TestReconcileSkipsFreshFile(t *testing.T) {
	dir := t.TempDir()
	writeGroupFiles(t, dir, "default", map[string]string{"a.txt": "hello"})

	idx := bundle.NewIndex()
	b := bundle.New(bundle.Config{SharedDir: dir}, idx)
	if err := b.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	idx.Lock()
	table, _ := idx.LookupLocked("default")
	correctSum := table[1].Checksum
	idx.Unlock()

	gs, err := groupstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gs.Close()
	gs.SetAgentGroup("agent-1", "default")

	p := pending.New(4)
	pusher := &recordingPusher{}
	w := New(p, idx, gs, pusher, dir)
	w.Start(1)
	defer w.Stop()

	p.Ingest("agent-1", "Linux |host|4.0\n"+correctSum+" a.txt\n")

	time.Sleep(100 * time.Millisecond)
	if got := pusher.names(); len(got) != 0 {
		t.Fatalf("expected no pushes for matching checksum, got %v", got)
	}
}

func TestReconcileInfersGroupFromFileMatch(t *testing.T) {
	dir := t.TempDir()
	writeGroupFiles(t, dir, "web-servers", map[string]string{"nginx.conf": "server {}"})

	idx := bundle.NewIndex()
	b := bundle.New(bundle.Config{SharedDir: dir}, idx)
	if err := b.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	idx.Lock()
	table, _ := idx.LookupLocked("web-servers")
	correctSum := table[1].Checksum
	idx.Unlock()

	gs, err := groupstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gs.Close()
	// agent-1 has no assignment yet.

	p := pending.New(4)
	pusher := &recordingPusher{}
	w := New(p, idx, gs, pusher, dir)
	w.Start(1)
	defer w.Stop()

	p.Ingest("agent-1", "Linux |host|4.0\n"+correctSum+" nginx.conf\n")

	waitFor(t, func() bool {
		g, ok := gs.GetAgentGroup("agent-1")
		return ok && g == "web-servers"
	})
}

func TestReconcilePersistsDefaultGroupFallback(t *testing.T) {
	dir := t.TempDir()
	writeGroupFiles(t, dir, "default", map[string]string{"a.txt": "hello"})
	writeGroupFiles(t, dir, "web-servers", map[string]string{"nginx.conf": "server {}"})

	idx := bundle.NewIndex()
	b := bundle.New(bundle.Config{SharedDir: dir}, idx)
	if err := b.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	gs, err := groupstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gs.Close()
	// agent-1 has no assignment yet, and reports a file that matches no
	// group, so resolution must fall back to "default".

	p := pending.New(4)
	pusher := &recordingPusher{}
	w := New(p, idx, gs, pusher, dir)
	w.Start(1)
	defer w.Stop()

	p.Ingest("agent-1", "Linux |host|4.0\nnomatch unknown-file.conf\n")

	waitFor(t, func() bool {
		g, ok := gs.GetAgentGroup("agent-1")
		return ok && g == "default"
	})
}

func writeGroupFiles(t *testing.T, sharedDir, group string, files map[string]string) {
	t.Helper()
	dir := sharedDir + "/" + group
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, content := range files {
		if err := os.WriteFile(dir+"/"+name, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
