// Package bundle implements the Bundle Builder: it scans the
// shared-configuration directory tree, produces per-group merged
// bundles, and maintains the authoritative Index of file checksums that
// the Reconciliation Worker compares agent reports against.
package bundle

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/types"
)

// tempSuffix names the temporary merged-bundle file used for the
// atomic-rename step. It shares the merged bundle's filename prefix so
// the directory scan in buildGroup skips it along with the previous
// merged.mg.
const tempSuffix = ".tmp"

// Index is the authoritative, process-wide group→checksum-table map.
// It is guarded by a single mutex (not a RWMutex): the Reconciliation
// Worker holds it not just while reading a GroupTable but while mutating
// FileEntry marks in place across an entire reconciliation cycle, so
// reader/writer distinction would not save anything and would only
// invite races between concurrent workers resolving the same group.
type Index struct {
	mu     sync.Mutex
	groups map[string]types.GroupTable
}

// NewIndex returns an empty Index. Until the first successful rebuild,
// every lookup reports the group as absent.
func NewIndex() *Index {
	return &Index{groups: make(map[string]types.GroupTable)}
}

// Lock acquires the Index lock. Callers must pair it with Unlock and
// must not call any other Index method that also locks while holding it
// (use the Locked variants instead).
func (idx *Index) Lock() { idx.mu.Lock() }

// Unlock releases the Index lock.
func (idx *Index) Unlock() { idx.mu.Unlock() }

// LookupLocked returns the GroupTable for group. Caller must hold the
// Index lock. The returned slice shares storage with the Index, so
// in-place mark mutations by the caller are visible to subsequent
// lookups until the next rebuild replaces the map.
func (idx *Index) LookupLocked(group string) (types.GroupTable, bool) {
	t, ok := idx.groups[group]
	return t, ok
}

// FindByFileLocked searches every group for a FileEntry matching both
// name and checksum, used by the Reconciliation Worker to infer an
// unassigned agent's group. The search includes the merged-bundle
// entry at position 0, not just the individual source files, so an
// agent whose first recognizable reported line names merged.mg can
// still be matched to a group. Caller must hold the Index lock. Group
// iteration order is not stable.
func (idx *Index) FindByFileLocked(name, checksum string) (group string, table types.GroupTable, ok bool) {
	for g, t := range idx.groups {
		for _, f := range t {
			if f.Name == name && f.Checksum == checksum {
				return g, t, true
			}
		}
	}
	return "", nil, false
}

// Snapshot returns a read-only view of every group for the admin HTTP
// surface. It takes and releases the lock itself.
func (idx *Index) Snapshot() []types.GroupSnapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]types.GroupSnapshot, 0, len(idx.groups))
	for g, t := range idx.groups {
		if len(t) == 0 {
			continue
		}
		out = append(out, types.GroupSnapshot{
			Group:          g,
			FileCount:      len(t.Files()),
			MergedChecksum: t.Merged().Checksum,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Config holds the Bundle Builder's directory layout and merge toggle.
type Config struct {
	// SharedDir is the shared-configuration root; each immediate
	// subdirectory names a group.
	SharedDir string
	// ActiveResponseFile, if non-empty and readable, is prepended to
	// every group's bundle as the first real entry.
	ActiveResponseFile string
	// NoCMerged disables rewriting merged.mg; the checksum table is
	// still built by reading the files already present on disk.
	NoCMerged bool
}

// Builder is the Bundle Builder component.
type Builder struct {
	cfg   Config
	index *Index
}

// New creates a Builder that installs rebuilt state into index.
func New(cfg Config, index *Index) *Builder {
	return &Builder{cfg: cfg, index: index}
}

// Rebuild scans cfg.SharedDir and installs a freshly built Index.
// Failure to open the top-level directory is logged and leaves the
// previous Index untouched. Group iteration order follows the OS
// directory read order and is not stable across calls.
func (b *Builder) Rebuild() error {
	logger := log.WithComponent("bundle")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RebuildDuration)

	entries, err := os.ReadDir(b.cfg.SharedDir)
	if err != nil {
		logger.Error().Err(err).Str("dir", b.cfg.SharedDir).Msg("opening shared-config directory")
		return fmt.Errorf("open shared dir: %w", err)
	}

	groups := make(map[string]types.GroupTable, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		groupDir := filepath.Join(b.cfg.SharedDir, e.Name())
		table, err := b.buildGroup(e.Name(), groupDir)
		if err != nil {
			logger.Error().Err(err).Str("group", e.Name()).Msg("building group bundle")
			continue
		}
		groups[e.Name()] = table
	}

	b.index.Lock()
	b.index.groups = groups
	b.index.Unlock()

	metrics.BundleGroupsTotal.Set(float64(len(groups)))
	logger.Debug().Int("groups", len(groups)).Msg("rebuild complete")
	return nil
}

// buildGroup builds the GroupTable for one group directory, optionally
// rewriting its merged.mg bundle.
func (b *Builder) buildGroup(group, dir string) (types.GroupTable, error) {
	mergedPath := filepath.Join(dir, types.MergedBundleName)
	tempPath := mergedPath + tempSuffix

	table := make(types.GroupTable, 1, 8)
	table[0] = types.FileEntry{Name: types.MergedBundleName}

	var merged *os.File
	if !b.cfg.NoCMerged {
		f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("create merged temp: %w", err)
		}
		merged = f
		defer func() {
			if merged != nil {
				merged.Close()
			}
		}()
	}

	if b.cfg.ActiveResponseFile != "" {
		if sum, err := appendFile(merged, b.cfg.ActiveResponseFile); err == nil {
			table = append(table, types.FileEntry{
				Name:     filepath.Base(b.cfg.ActiveResponseFile),
				Checksum: sum,
			})
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read group dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, types.MergedBundleName) {
			continue
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, name)
		sum, err := appendFile(merged, path)
		if err != nil {
			log.WithComponent("bundle").Error().Err(err).Str("file", path).Msg("accessing file")
			continue
		}
		table = append(table, types.FileEntry{Name: name, Checksum: sum})
	}

	if merged != nil {
		if err := merged.Close(); err != nil {
			return nil, fmt.Errorf("close merged temp: %w", err)
		}
		// Prevent the deferred Close above from double-closing.
		merged = nil
		if err := os.Rename(tempPath, mergedPath); err != nil {
			return nil, fmt.Errorf("rename merged bundle: %w", err)
		}
	}

	if sum, err := md5File(mergedPath); err == nil {
		table[0].Checksum = sum
	} else {
		table[0].Checksum = ""
	}

	return table, nil
}

// appendFile computes the MD5 checksum of path and, if out is non-nil,
// appends the file's bytes to it.
func appendFile(out *os.File, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	var w io.Writer = h
	if out != nil {
		w = io.MultiWriter(h, out)
	}
	if _, err := io.Copy(w, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ErrGroupNotFound is returned by callers that resolve a group name
// against an Index and find nothing.
var ErrGroupNotFound = errors.New("group not found")
