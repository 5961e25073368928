// ABOUTME: Gateway orchestrator that wires the relay hub, agent supervisor, ledger, and servers
// ABOUTME: Manages port allocation, autostart, and the ordered shutdown sequence

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/ag-mesh-relay/internal/agent"
	"github.com/2389/ag-mesh-relay/internal/config"
	"github.com/2389/ag-mesh-relay/internal/netutil"
	"github.com/2389/ag-mesh-relay/internal/relay"
	"github.com/2389/ag-mesh-relay/internal/store"
	"github.com/2389/ag-mesh-relay/internal/telemetry"
)

// Gateway owns every long-lived component of a running relay.
type Gateway struct {
	config     *config.Config
	hub        *relay.Hub
	supervisor *agent.Supervisor
	store      store.Store
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	// sessionCtx is cancelled at shutdown to stop every connection session
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	ready   atomic.Bool
	started chan struct{}
	addr    net.Addr

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	spawner agent.Spawner
}

// WithSpawner replaces the process spawner used for agents.
func WithSpawner(s agent.Spawner) Option {
	return func(o *gatewayOptions) {
		o.spawner = s
	}
}

// initStore opens the ledger, or returns nil when it is disabled.
func initStore(cfg *config.Config) (store.Store, error) {
	if !cfg.DatabaseEnabled() {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		upgrader: relay.NewUpgrader(cfg.Server.AllowedOrigins),
		started:  make(chan struct{}),
		logger:   logger.With("component", "gateway"),
	}
	gw.sessionCtx, gw.cancelSessions = context.WithCancel(context.Background())

	hubOpts := relay.Options{
		ReapInterval:  cfg.Relay.ReapInterval,
		StaleTimeout:  cfg.Relay.StaleTimeout,
		StrictSchemas: cfg.Relay.StrictSchemas,
	}
	metrics, err := telemetry.NewRelayMetrics(
		telemetry.Meter(telemetry.MeterName),
		gw.peersOnline,
		gw.agentsRunning,
	)
	if err != nil {
		logger.Warn("relay metrics unavailable", "error", err)
	} else {
		hubOpts.Metrics = metrics
	}
	gw.hub = relay.NewHub(logger, hubOpts)

	supOpts := agent.Options{
		Command:       cfg.Relay.AgentCommand,
		ShutdownGrace: cfg.Relay.ShutdownGrace,
		WriteTimeout:  cfg.Relay.WriteTimeout,
		BridgeOutput:  cfg.Relay.BridgeAgentOutput,
		Spawner:       o.spawner,
	}
	if s != nil {
		supOpts.Recorder = s
	}
	gw.supervisor = agent.NewSupervisor(gw.hub, logger, supOpts)
	gw.hub.SetAgents(gw.supervisor)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.health = health.NewServer()
	if cfg.Server.GRPCHealthAddr != "" {
		gw.grpcServer = newHealthGRPCServer(gw.health)
	}
	gw.setServing(false)

	return gw, nil
}

// peersOnline and agentsRunning back the telemetry gauges, which may be
// collected before New has finished wiring.
func (g *Gateway) peersOnline() int {
	if g.hub == nil {
		return 0
	}
	return g.hub.Registry().Len()
}

func (g *Gateway) agentsRunning() int {
	if g.supervisor == nil {
		return 0
	}
	return g.supervisor.CountRunning()
}

// Hub exposes the relay hub.
func (g *Gateway) Hub() *relay.Hub { return g.hub }

// Supervisor exposes the agent supervisor.
func (g *Gateway) Supervisor() *agent.Supervisor { return g.supervisor }

// Started is closed once Run is accepting connections.
func (g *Gateway) Started() <-chan struct{} { return g.started }

// Addr returns the bound relay address. Valid after Started is closed.
func (g *Gateway) Addr() net.Addr { return g.addr }

// setupListeners binds the relay port within [port, maxPort] and, when
// configured, the gRPC health address.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	srv := g.config.Server
	httpLn, port, err := netutil.ListenInRange(srv.Host, srv.Port, srv.MaxPort)
	if err != nil {
		return nil, nil, err
	}
	if port != srv.Port {
		g.logger.Warn("requested port busy, using next free port",
			"requested", srv.Port,
			"port", port,
		)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", srv.GRPCHealthAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC health address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// startServers starts the HTTP and gRPC servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("relay listening", "addr", "ws://"+httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// autostart launches every configured agent marked autoStart. Failures are
// logged and do not stop the relay.
func (g *Gateway) autostart(ctx context.Context) {
	for _, a := range g.config.Agents {
		if !a.AutoStart {
			continue
		}
		info, err := g.supervisor.Launch(ctx, a.ID, agent.LaunchConfig{
			WorkingPath: a.WorkingPath,
			Agent:       a.Agent,
		})
		if err != nil {
			g.logger.Error("autostart failed", "agent_id", a.ID, "error", err)
			continue
		}
		g.logger.Info("autostarted agent", "agent_id", info.ID, "peer_id", info.PeerID, "pid", info.Pid)
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run binds the relay, starts agents and servers, and blocks until ctx is
// cancelled or a server fails. Listener failures, including an exhausted
// port range, return before anything is started.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		g.closeStore()
		return err
	}
	g.addr = httpLn.Addr()

	reapCtx, cancelReap := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		g.hub.RunReaper(reapCtx)
	}()

	g.autostart(ctx)

	errCh := g.startServers(httpLn, grpcLn)
	g.setServing(true)
	close(g.started)

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown(func() {
		cancelReap()
		<-reaperDone
	})

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The agent phase is not bounded by this context; it always runs to completion.
func (g *Gateway) gracefulShutdown(stopReaper func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.shutdown(ctx, stopReaper)
}

// Shutdown stops the gateway. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.shutdown(ctx, func() {})
}

func (g *Gateway) shutdown(ctx context.Context, stopReaper func()) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.doShutdown(ctx, stopReaper)
	})
	return g.shutdownErr
}

// doShutdown stops accepting connections, lets sessions finish their current
// frame, stops every agent, then stops the reaper and releases resources.
func (g *Gateway) doShutdown(ctx context.Context, stopReaper func()) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.setServing(false)
	g.health.Shutdown()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.cancelSessions()
	g.drainSessions(ctx)

	g.supervisor.ShutdownAll(ctx)

	stopReaper()

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// drainSessions waits for sessions to return, giving up when ctx expires.
func (g *Gateway) drainSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.hub.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("sessions still open after shutdown deadline")
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

func (g *Gateway) closeStore() {
	if g.store == nil {
		return
	}
	if err := g.store.Close(); err != nil {
		g.logger.Warn("store close failed", "error", err)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
