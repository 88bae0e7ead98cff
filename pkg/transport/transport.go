// Package transport implements the wire framing used to stream a
// drifted file out to an agent: a header frame naming the file and its
// authoritative checksum, fixed-size raw content chunks, and a closing
// frame. Datagram transports are paced so a burst of frames doesn't
// overrun the receiver's socket buffer.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
)

// Protocol selects the pacing behavior applied while streaming chunks.
type Protocol int

const (
	// Stream is used for connection-oriented transports (e.g. TCP),
	// where no inter-frame pacing is required.
	Stream Protocol = iota
	// Datagram is used for packet-oriented transports (e.g. UDP),
	// where the sender must slow down periodically to avoid flooding
	// the agent's receive buffer.
	Datagram
)

const (
	// chunkSize is the maximum number of raw content bytes per frame.
	chunkSize = 900
	// pacingEvery is how many frames may be sent before pausing.
	pacingEvery = 30
	// pacingDelay is how long the pacing pause lasts.
	pacingDelay = time.Second
)

const closeFrame = "#!-close file"

// Sender delivers a single framed message to one agent. Concrete
// implementations resolve agentID to a network destination; fleetsync's
// core treats Sender as an external collaborator and never assumes a
// particular wire transport.
type Sender interface {
	Send(ctx context.Context, agentID string, frame []byte) error
}

// Pusher streams files to agents over a Sender, framed per fleetsync's
// control protocol.
type Pusher struct {
	sender   Sender
	protocol Protocol
}

// New returns a Pusher that sends frames through sender using protocol's
// pacing rules.
func New(sender Sender, protocol Protocol) *Pusher {
	return &Pusher{sender: sender, protocol: protocol}
}

// HeaderFrame formats the control frame announcing an incoming file.
func HeaderFrame(checksum, name string) string {
	return fmt.Sprintf("#!-up file %s %s\n", checksum, name)
}

// PushFile streams the file at path to agentID, framed as a header
// frame, one or more content chunks, and a close frame. On any error
// the partially sent file is abandoned; the caller is expected to
// re-push on the next reconciliation cycle once the underlying problem
// clears.
func (p *Pusher) PushFile(ctx context.Context, agentID, checksum, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		metrics.PushFailuresTotal.Inc()
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := p.sender.Send(ctx, agentID, []byte(HeaderFrame(checksum, name))); err != nil {
		metrics.PushFailuresTotal.Inc()
		return fmt.Errorf("send header frame: %w", err)
	}

	buf := make([]byte, chunkSize)
	frames := 0
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := p.sender.Send(ctx, agentID, buf[:n]); err != nil {
				metrics.PushFailuresTotal.Inc()
				return fmt.Errorf("send content chunk: %w", err)
			}
			frames++
			if p.protocol == Datagram && frames%pacingEvery == 0 {
				log.WithComponent("transport").Debug().Str("agent_id", agentID).Msg("pacing datagram burst")
				time.Sleep(pacingDelay)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			metrics.PushFailuresTotal.Inc()
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	if err := p.sender.Send(ctx, agentID, []byte(closeFrame)); err != nil {
		metrics.PushFailuresTotal.Inc()
		return fmt.Errorf("send close frame: %w", err)
	}

	metrics.FilesPushedTotal.Inc()
	return nil
}
