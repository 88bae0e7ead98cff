// Package reconcile implements the Reconciliation Worker: it drains the
// Pending State's queue, resolves each agent's group, compares the
// agent's reported checksums against the authoritative Index, and
// streams out every file whose checksum doesn't match.
package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/bundle"
	"github.com/cuemby/fleetsync/pkg/groupstore"
	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/pending"
	"github.com/cuemby/fleetsync/pkg/transport"
	"github.com/cuemby/fleetsync/pkg/types"
)

const defaultGroup = "default"

// Pusher streams one drifted file out to an agent. transport.Pusher
// satisfies this.
type Pusher interface {
	PushFile(ctx context.Context, agentID, checksum, name, path string) error
}

// Worker is the Reconciliation Worker component. Each of its goroutines
// loops Pop→process, so Workers scales horizontally by starting more
// than one; the Index lock serializes their group resolution and
// marking regardless of how many run concurrently.
type Worker struct {
	pending    *pending.State
	index      *bundle.Index
	groups     *groupstore.Store
	pusher     Pusher
	sharedDir  string
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// New creates a Worker. sharedDir is the shared-configuration root used
// to resolve a FileEntry's name back to the on-disk path handed to
// Pusher.
func New(p *pending.State, index *bundle.Index, groups *groupstore.Store, pusher Pusher, sharedDir string) *Worker {
	return &Worker{
		pending:   p,
		index:     index,
		groups:    groups,
		pusher:    pusher,
		sharedDir: sharedDir,
		logger:    log.WithComponent("reconcile"),
	}
}

// Start launches n goroutines, each draining the Pending queue and
// reconciling one agent's state at a time until Stop is called.
func (w *Worker) Start(n int) {
	if n <= 0 {
		n = 1
	}
	w.logger.Info().Int("workers", n).Msg("reconciliation worker pool starting")
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

// Stop unblocks every worker goroutine once the Pending queue drains
// and waits for them to exit.
func (w *Worker) Stop() {
	w.pending.Close()
	w.wg.Wait()
	w.logger.Info().Msg("reconciliation worker pool stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		agentID, message, ok := w.pending.Pop()
		if !ok {
			return
		}
		w.process(agentID, message)
	}
}

// process implements one agent's reconciliation cycle: resolve its
// group, parse its reported checksums under the Index lock, mark each
// known FileEntry fresh or stale, then push every stale or unmarked
// file outside the lock.
func (w *Worker) process(agentID, message string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	logger := log.WithAgentID(agentID)

	nl := strings.IndexByte(message, '\n')
	if nl < 0 {
		logger.Warn().Msg("pending message missing uname line, skipping cycle")
		return
	}
	rest := message[nl+1:]

	group, hasGroup := w.groups.GetAgentGroup(agentID)

	w.index.Lock()
	resolved, toPush, abort := w.reconcileLocked(agentID, group, hasGroup, rest, logger)
	w.index.Unlock()
	if abort {
		return
	}

	ctx := context.Background()
	for _, f := range toPush {
		path := w.filePath(resolved, f.Name)
		if err := w.pusher.PushFile(ctx, agentID, f.Checksum, f.Name, path); err != nil {
			logger.Warn().Err(err).Str("file", f.Name).Msg("pushing file to agent")
		}
	}
}

// reconcileLocked must be called with the Index lock held. It resolves
// group (adopting/falling back as needed), parses rest's checksum
// lines, marks the resolved GroupTable in place, and returns the
// resolved group together with the entries that must be streamed out.
// abort is true when no table could be resolved at all.
func (w *Worker) reconcileLocked(agentID, group string, hasGroup bool, rest string, logger zerolog.Logger) (resolved string, toPush []types.FileEntry, abort bool) {
	var table types.GroupTable
	if hasGroup {
		t, ok := w.index.LookupLocked(group)
		if !ok {
			logger.Warn().Str("group", group).Msg("agent's assigned group not found in index")
			return "", nil, true
		}
		table = t
	}
	table.ResetMarks()

	lines := strings.Split(rest, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "\"") || strings.HasPrefix(line, "!") {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			logger.Warn().Str("line", line).Msg("malformed checksum line, stopping parse")
			break
		}
		checksum, name := line[:sp], line[sp+1:]

		if table == nil {
			if g, t, ok := w.index.FindByFileLocked(name, checksum); ok {
				group, table = g, t
				if err := w.groups.SetAgentGroup(agentID, group); err != nil {
					logger.Warn().Err(err).Msg("persisting inferred group assignment")
				}
				table.ResetMarks()
			} else if t, ok := w.index.LookupLocked(defaultGroup); ok {
				group, table = defaultGroup, t
				if err := w.groups.SetAgentGroup(agentID, group); err != nil {
					logger.Warn().Err(err).Msg("persisting default group assignment")
				}
				table.ResetMarks()
			} else {
				logger.Error().Msg("cannot resolve agent group: no match and no default group")
				return "", nil, true
			}
		}

		if name == types.MergedBundleName {
			merged := table.Merged()
			if merged.Checksum != "" && merged.Checksum != checksum {
				return group, types.GroupTable{merged}, false
			}
			return group, nil, false
		}

		for i := 1; i < len(table); i++ {
			if table[i].Name == name {
				if table[i].Checksum == checksum {
					table[i].Mark = types.MarkFresh
				} else {
					table[i].Mark = types.MarkStale
				}
				break
			}
		}
	}

	if table == nil {
		t, ok := w.index.LookupLocked(defaultGroup)
		if !ok {
			logger.Error().Msg("cannot resolve agent group: no reported files and no default group")
			return "", nil, true
		}
		group, table = defaultGroup, t
		if err := w.groups.SetAgentGroup(agentID, group); err != nil {
			logger.Warn().Err(err).Msg("persisting default group assignment")
		}
		table.ResetMarks()
	}

	for i := 1; i < len(table); i++ {
		if table[i].Mark == types.MarkStale || table[i].Mark == types.MarkUnset {
			toPush = append(toPush, table[i])
		}
		table[i].Mark = types.MarkUnset
	}
	return group, toPush, false
}

// filePath resolves a FileEntry's name back to its on-disk path for
// streaming.
func (w *Worker) filePath(group, name string) string {
	return filepath.Join(w.sharedDir, group, name)
}
