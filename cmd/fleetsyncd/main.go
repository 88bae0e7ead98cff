// Command fleetsyncd runs the fleetsync agent configuration
// distribution core: it listens for agent heartbeats, reconciles
// reported checksums against the authoritative shared-configuration
// index, and streams out whatever has drifted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/fleetsync/pkg/admin"
	"github.com/cuemby/fleetsync/pkg/bundle"
	"github.com/cuemby/fleetsync/pkg/config"
	"github.com/cuemby/fleetsync/pkg/groupstore"
	"github.com/cuemby/fleetsync/pkg/intake"
	"github.com/cuemby/fleetsync/pkg/keystore"
	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/pending"
	"github.com/cuemby/fleetsync/pkg/reconcile"
	"github.com/cuemby/fleetsync/pkg/refresher"
	"github.com/cuemby/fleetsync/pkg/request"
	"github.com/cuemby/fleetsync/pkg/transport"
	"github.com/cuemby/fleetsync/pkg/types"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "fleetsyncd",
		Short: "Agent configuration distribution core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/fleetsync/fleetsync.yaml", "path to fleetsync.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(rebuildCmd())
	root.AddCommand(agentsCmd())
	root.AddCommand(groupsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the heartbeat intake, reconciliation worker, and admin surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the shared-configuration index once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			idx := bundle.NewIndex()
			b := bundle.New(bundle.Config{
				SharedDir:          cfg.SharedConfigDir,
				ActiveResponseFile: cfg.ActiveResponseFile,
			}, idx)
			if err := b.Rebuild(); err != nil {
				return err
			}
			snaps := idx.Snapshot()
			fmt.Printf("rebuilt %d group(s)\n", len(snaps))
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents known to a running fleetsyncd via its admin surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []types.AgentSnapshot
			if err := fetchJSON(adminAddr+"/agents", &snaps); err != nil {
				return err
			}
			printAgentsTable(snaps)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "http://localhost:9090", "base URL of the admin HTTP surface")
	return cmd
}

func groupsCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List groups known to a running fleetsyncd via its admin surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []types.GroupSnapshot
			if err := fetchJSON(adminAddr+"/groups", &snaps); err != nil {
				return err
			}
			printGroupsTable(snaps)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "http://localhost:9090", "base URL of the admin HTTP surface")
	return cmd
}

func printAgentsTable(snaps []types.AgentSnapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Agent ID", "Changed", "Keep-Alive File", "Bytes", "Last Updated"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, s := range snaps {
		table.Append([]string{
			s.AgentID,
			strconv.FormatBool(s.Changed),
			s.KeepAlive,
			strconv.Itoa(s.MessageBytes),
			s.LastUpdatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}

func printGroupsTable(snaps []types.GroupSnapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Group", "Files", "Merged Checksum"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, s := range snaps {
		table.Append([]string{s.Group, strconv.Itoa(s.FileCount), s.MergedChecksum})
	}
	table.Render()
}

func fetchJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// runServe wires every component together and blocks until SIGINT or
// SIGTERM.
func runServe(cfg config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("fleetsyncd")

	instanceID := uuid.NewString()
	metrics.SetVersion(instanceID)
	logger = logger.With().Str("instance_id", instanceID).Logger()

	metrics.RegisterComponent("bundle", false, "not yet built")
	metrics.RegisterComponent("intake", true, "")
	metrics.RegisterComponent("reconcile", true, "")

	index := bundle.NewIndex()
	builder := bundle.New(bundle.Config{
		SharedDir:          cfg.SharedConfigDir,
		ActiveResponseFile: cfg.ActiveResponseFile,
	}, index)
	if err := builder.Rebuild(); err != nil {
		logger.Warn().Err(err).Msg("initial bundle rebuild failed, starting with an empty index")
	} else {
		metrics.UpdateComponent("bundle", true, "")
	}

	groups, err := groupstore.Open(cfg.GroupStorePath)
	if err != nil {
		return fmt.Errorf("open group store: %w", err)
	}
	defer groups.Close()

	keys := keystore.New()
	pendingState := pending.New(cfg.MaxAgents)
	requests := request.NewRouter()

	proto := transport.Stream
	network := "tcp"
	if cfg.Transport == "udp" {
		proto = transport.Datagram
		network = "udp"
	}
	sender := &addressSender{network: network}
	pusher := transport.New(sender, proto)

	in := intake.New(intake.Config{AgentInfoDir: cfg.AgentInfoDir}, keys, pendingState, requests, sender)

	worker := reconcile.New(pendingState, index, groups, pusher, cfg.SharedConfigDir)
	worker.Start(cfg.ReconcileWorkers)
	defer worker.Stop()

	watchDir := ""
	if cfg.WatchFS {
		watchDir = cfg.SharedConfigDir
	}
	ref, err := refresher.New(builder, cfg.RefreshInterval, watchDir)
	if err != nil {
		return fmt.Errorf("start refresher: %w", err)
	}
	ref.Start()
	defer ref.Stop()

	adminSrv := admin.New(pendingState, index)
	go func() {
		if err := adminSrv.Start(cfg.AdminAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin HTTP surface stopped")
		}
	}()

	listener, err := newListener(network, cfg.ListenAddr, keys, in, logger)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	go listener.run()
	defer listener.stop()

	logger.Info().Str("listen_addr", cfg.ListenAddr).Str("admin_addr", cfg.AdminAddr).Msg("fleetsyncd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")
	return nil
}

// addressSender is a minimal transport.Sender/intake.Acker that treats
// an agent identifier as its dialable network address. It exists so
// fleetsyncd can run end-to-end without a full key-exchange and
// session-resumption layer, which is out of scope for the
// configuration-distribution core.
type addressSender struct {
	network string
}

func (a *addressSender) Send(ctx context.Context, agentID string, frame []byte) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, a.network, agentID)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(frame)
	return err
}

func (a *addressSender) Ack(ctx context.Context, agentID string) error {
	return a.Send(ctx, agentID, []byte("#!-agent ack"))
}

// listener accepts raw agent payloads and feeds them to Intake.Ingest,
// auto-registering newly seen peer addresses with the keystore since
// fleetsyncd's core does not implement the key-exchange layer itself.
type listener struct {
	network string
	addr    string
	keys    *keystore.Store
	intake  *intake.Intake
	logger  zerolog.Logger

	mu      sync.Mutex
	nextIdx int
	seen    map[string]int

	conn net.PacketConn
	ln   net.Listener
}

func newListener(network, addr string, keys *keystore.Store, in *intake.Intake, logger zerolog.Logger) (*listener, error) {
	l := &listener{network: network, addr: addr, keys: keys, intake: in, logger: logger, seen: make(map[string]int)}
	return l, nil
}

func (l *listener) run() {
	if l.network == "udp" {
		l.runUDP()
		return
	}
	l.runTCP()
}

func (l *listener) runUDP() {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		l.logger.Error().Err(err).Msg("udp listener failed to start")
		return
	}
	l.conn = conn
	buf := make([]byte, 65536)
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		idx := l.indexFor(remote.String())
		go l.intake.Ingest(context.Background(), idx, payload)
	}
}

func (l *listener) runTCP() {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		l.logger.Error().Err(err).Msg("tcp listener failed to start")
		return
	}
	l.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.handleTCP(conn)
	}
}

func (l *listener) handleTCP(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	idx := l.indexFor(conn.RemoteAddr().String())
	l.intake.Ingest(context.Background(), idx, buf[:n])
}

func (l *listener) indexFor(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.seen[addr]; ok {
		return idx
	}
	idx := l.nextIdx
	l.nextIdx++
	l.seen[addr] = idx
	l.keys.Register(idx, types.Identity{ID: addr, Name: addr, PeerAddress: addr})
	return idx
}

func (l *listener) stop() {
	if l.conn != nil {
		l.conn.Close()
	}
	if l.ln != nil {
		l.ln.Close()
	}
}
