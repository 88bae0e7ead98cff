// Package intake implements the Heartbeat Intake: it classifies each
// incoming agent payload, acknowledges keep-alives, hands request
// control frames to the Request Router, and records keep-alive state
// into the Pending State for the Reconciliation Worker to drain.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/keystore"
	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/pending"
	"github.com/cuemby/fleetsync/pkg/request"
	"github.com/cuemby/fleetsync/pkg/types"
)

const (
	requestPrefix = "#!-req"
	startupNotice = "#!-agent startup"
	ackFrame      = "#!-agent ack"
)

// keepAliveUmask narrows the permission bits applied while creating or
// truncating an agent's keep-alive file, matching the original
// daemon's 0006 mask (deny "other" read and write).
const keepAliveUmask = 0o006

// Acker sends the acknowledgement frame back to the originating agent.
// It is a narrower view of transport.Sender: the intake only ever needs
// to send one short frame per heartbeat.
type Acker interface {
	Ack(ctx context.Context, agentID string) error
}

// Config holds the Heartbeat Intake's on-disk layout.
type Config struct {
	// AgentInfoDir is the directory holding one keep-alive file per
	// agent, named "<name>-<peer address>" so two agents sharing a
	// reported name never collide.
	AgentInfoDir string
}

// Intake is the Heartbeat Intake component.
type Intake struct {
	cfg      Config
	keys     *keystore.Store
	pending  *pending.State
	requests *request.Router
	acker    Acker
}

// New creates an Intake wired to the given collaborators.
func New(cfg Config, keys *keystore.Store, p *pending.State, requests *request.Router, acker Acker) *Intake {
	return &Intake{cfg: cfg, keys: keys, pending: p, requests: requests, acker: acker}
}

// Ingest classifies and processes one raw payload received from the
// agent at agentIndex. Unknown agent indices are logged and dropped;
// neither that nor a malformed payload is treated as fatal to the
// intake loop.
func (in *Intake) Ingest(ctx context.Context, agentIndex int, raw []byte) error {
	identity, ok := in.keys.Resolve(agentIndex)
	if !ok {
		log.WithComponent("intake").Warn().Int("agent_index", agentIndex).Msg("heartbeat from unregistered agent index")
		return keystore.ErrUnknownAgent{Index: agentIndex}
	}
	logger := log.WithAgentID(identity.ID)
	msg := string(raw)

	switch {
	case strings.HasPrefix(msg, requestPrefix):
		return in.handleRequest(identity.ID, msg, logger)
	case msg == startupNotice:
		metrics.HeartbeatsTotal.WithLabelValues("startup").Inc()
		logger.Debug().Msg("agent startup notice")
		return in.acker.Ack(ctx, identity.ID)
	default:
		return in.handleKeepAlive(ctx, identity, msg, logger)
	}
}

// handleRequest parses "#!-req <counter> <payload>" and hands the
// payload to the Request Router.
func (in *Intake) handleRequest(agentID, msg string, logger zerolog.Logger) error {
	rest := strings.TrimPrefix(msg, requestPrefix)
	rest = strings.TrimPrefix(rest, " ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		metrics.MalformedTotal.Inc()
		logger.Warn().Msg("malformed request control frame")
		return fmt.Errorf("malformed request frame from %s", agentID)
	}
	counter, payload := rest[:sp], rest[sp+1:]
	in.requests.Save(counter, payload)
	metrics.HeartbeatsTotal.WithLabelValues("request").Inc()
	return nil
}

// handleKeepAlive acknowledges the heartbeat, then records the full
// payload (uname line plus any reported checksum lines — the
// Reconciliation Worker re-parses this same string) into the Pending
// State. A payload with no newline after its first line is malformed
// and is dropped after the acknowledgement.
func (in *Intake) handleKeepAlive(ctx context.Context, identity types.Identity, msg string, logger zerolog.Logger) error {
	metrics.HeartbeatsTotal.WithLabelValues("keepalive").Inc()

	if err := in.acker.Ack(ctx, identity.ID); err != nil {
		logger.Warn().Err(err).Msg("sending heartbeat acknowledgement")
	}

	if !strings.Contains(msg, "\n") {
		metrics.MalformedTotal.Inc()
		logger.Warn().Msg("keep-alive missing newline after uname line")
		return fmt.Errorf("malformed keep-alive from %s", identity.ID)
	}

	res := in.pending.Ingest(identity.ID, msg)
	if res.Duplicate {
		if res.KeepAlive != "" {
			touchKeepAlive(res.KeepAlive)
		}
		return nil
	}
	if res.QueueFull {
		logger.Warn().Msg("pending queue full, retaining latest heartbeat for next drain")
	}

	path := res.KeepAlive
	if path == "" {
		path = filepath.Join(in.cfg.AgentInfoDir, fmt.Sprintf("%s-%s", identity.Name, identity.PeerAddress))
		in.pending.SetKeepAlive(identity.ID, path)
	}
	if err := writeKeepAlive(path, msg); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("writing keep-alive file")
	}
	return nil
}

// writeKeepAlive writes the agent's uname line to its on-disk keep-alive
// file under a narrowed umask, so the file isn't created world-writable.
func writeKeepAlive(path, msg string) error {
	line := msg
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		line = msg[:idx]
	}

	old := syscall.Umask(keepAliveUmask)
	defer syscall.Umask(old)

	return os.WriteFile(path, []byte(line+"\n"), 0640)
}

// touchKeepAlive updates the modification time of an existing keep-alive
// file without rewriting its content, for duplicate heartbeats.
func touchKeepAlive(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}
