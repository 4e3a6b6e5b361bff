// ABOUTME: Gateway orchestrator that coordinates the HTTP and optional gRPC servers
// ABOUTME: Wires store, registry, dispatcher, hubs and ingestion, and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/alerts"
	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/config"
	"github.com/2389/opsbridge/internal/hub"
	"github.com/2389/opsbridge/internal/ingest"
	"github.com/2389/opsbridge/internal/store"
	"github.com/2389/opsbridge/internal/telemetry"
)

// Gateway orchestrates the opsbridge control plane.
// It serves agent and dashboard sockets, the REST surface and health checks
// over HTTP, and an optional gRPC health service.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	metricsHub *hub.Hub
	logsHub    *hub.Hub
	evaluator  *alerts.Evaluator
	pipeline   *ingest.Pipeline
	apiKeys    *auth.APIKeyVerifier
	tokens     auth.TokenVerifier
	limiter    *RateLimiter

	metrics      *telemetry.Metrics
	promRegistry *prometheus.Registry

	router     *gin.Engine
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	agentUpgrader     websocket.Upgrader
	dashboardUpgrader websocket.Upgrader

	// sockets tracks live hijacked connections, which http.Server.Shutdown
	// does not close.
	socketsMu sync.Mutex
	sockets   map[*socket]struct{}
	sessions  sync.WaitGroup

	// statusLocks pair each registry change with its server status write.
	statusLocks [64]sync.Mutex

	startedAt time.Time
	logger    *slog.Logger
}

// New creates a new Gateway instance backed by the SQLite database named in cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires every component around s.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}

	promRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(promRegistry)
	}

	registry := agent.NewRegistry(logger)
	dispatcher := agent.NewDispatcher(registry, agent.NewPendingTable(), cfg.Agents.CommandTimeout, logger)
	if metrics != nil {
		dispatcher.SetObserver(metrics)
		telemetry.RegisterAgentGauge(promRegistry, registry.Count)
	}

	metricsHub := hub.New(hub.PushMetrics, logger)
	logsHub := hub.New(hub.PushLog, logger)
	evaluator := alerts.NewEvaluator(s, logger)
	pipeline := ingest.NewPipeline(ingest.Deps{
		Metrics:    s,
		Servers:    s,
		Logs:       s,
		Evaluator:  evaluator,
		MetricsHub: metricsHub,
		LogsHub:    logsHub,
	}, logger)
	if metrics != nil {
		pipeline.SetObserver(metrics)
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		registry:     registry,
		dispatcher:   dispatcher,
		metricsHub:   metricsHub,
		logsHub:      logsHub,
		evaluator:    evaluator,
		pipeline:     pipeline,
		apiKeys:      auth.NewAPIKeyVerifier(s, logger),
		tokens:       auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		limiter:      NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		metrics:      metrics,
		promRegistry: promRegistry,
		sockets:      make(map[*socket]struct{}),
		startedAt:    time.Now(),
		logger:       logger.With("component", "gateway"),
	}
	gw.agentUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Agents are not browsers; there is no origin to check.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	gw.dashboardUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Dashboard.AllowedOrigins),
	}

	gw.router = gw.newRouter()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startServers starts the HTTP and gRPC servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, grpcListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(httpListener, grpcListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every live socket, waits for
// sessions to finish their teardown and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeSockets(websocket.CloseGoingAway, "server shutting down")
	errs = appendCloseError(errs, "session drain", g.waitSessions(ctx))

	g.shutdownGRPCServer(ctx)

	g.metricsHub.Close()
	g.logsHub.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (g *Gateway) trackSocket(s *socket) {
	g.socketsMu.Lock()
	defer g.socketsMu.Unlock()
	g.sockets[s] = struct{}{}
}

func (g *Gateway) untrackSocket(s *socket) {
	g.socketsMu.Lock()
	defer g.socketsMu.Unlock()
	delete(g.sockets, s)
}

// statusLock returns the lock guarding registration and status writes for
// serverID.
func (g *Gateway) statusLock(serverID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serverID))
	return &g.statusLocks[h.Sum32()%uint32(len(g.statusLocks))]
}

func (g *Gateway) closeSockets(code int, reason string) {
	g.socketsMu.Lock()
	live := make([]*socket, 0, len(g.sockets))
	for s := range g.sockets {
		live = append(live, s)
	}
	g.socketsMu.Unlock()

	for _, s := range live {
		s.Close(code, reason)
	}
	if len(live) > 0 {
		g.logger.Info("closed live sockets", "count", len(live))
	}
}

// waitSessions blocks until every session goroutine returned or ctx ends.
func (g *Gateway) waitSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newSessionSocket wraps conn in a tracked socket using the given send buffer.
func (g *Gateway) newSessionSocket(conn *websocket.Conn, buffer int) *socket {
	s := newSocket(conn, buffer, g.config.Agents.WriteTimeout, g.config.Agents.PingInterval, g.logger)
	g.trackSocket(s)
	return s
}
