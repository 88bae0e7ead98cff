package refresher

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type countingRebuilder struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingRebuilder) Rebuild() error {
	c.calls.Add(1)
	if c.fail {
		return errTest
	}
	return nil
}

var errTest = &testError{"rebuild failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestRefresherTicks(t *testing.T) {
	rb := &countingRebuilder{}
	r, err := New(rb, 20*time.Millisecond, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	time.Sleep(90 * time.Millisecond)
	if rb.calls.Load() < 2 {
		t.Fatalf("expected at least 2 rebuilds (1 immediate + ticks), got %d", rb.calls.Load())
	}
}

func TestRefresherStopIsClean(t *testing.T) {
	rb := &countingRebuilder{}
	r, err := New(rb, time.Hour, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	r.Stop()

	if rb.calls.Load() != 1 {
		t.Fatalf("expected exactly the immediate rebuild, got %d", rb.calls.Load())
	}
}

func TestRefresherWatchTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	rb := &countingRebuilder{}
	r, err := New(rb, time.Hour, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	writeTestFile(t, dir)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rb.calls.Load() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a watch-triggered rebuild, got %d calls", rb.calls.Load())
}

func writeTestFile(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(dir+"/touched.conf", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
