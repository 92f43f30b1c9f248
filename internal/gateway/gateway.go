// ABOUTME: Gateway orchestrator that wires presence, sessions, routing and persistence together
// ABOUTME: Owns the HTTP, gRPC health and Tailscale listeners and drains them on shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/broadcast"
	"github.com/2389/a2a-relay/internal/config"
	"github.com/2389/a2a-relay/internal/dedupe"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/journal"
	"github.com/2389/a2a-relay/internal/metrics"
	"github.com/2389/a2a-relay/internal/mirror"
	"github.com/2389/a2a-relay/internal/relay"
	"github.com/2389/a2a-relay/internal/responder"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

// Gateway owns every relay component for the lifetime of the process.
type Gateway struct {
	config   *config.Config
	store    store.Store
	fanout   *broadcast.Broadcaster
	registry *agent.Registry
	sessions *session.Manager
	router   *relay.Router
	endpoint *relay.Endpoint
	journal  *journal.Journal
	dedupe   *dedupe.Window
	mirror   *mirror.RedisMirror // nil unless redis.url is set

	health      *health.Server
	grpcServer  *grpc.Server // nil unless a gRPC listener is configured
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// closeConns cancels the context every agent connection is served under.
	closeConns context.CancelFunc
	stopSweep  context.CancelFunc
	sweepDone  chan struct{}

	draining     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises a Gateway during New.
type Option func(*options)

type options struct {
	responder responder.Responder
	now       func() time.Time
}

// WithResponder replaces the responder built from configuration.
func WithResponder(r responder.Responder) Option {
	return func(o *options) { o.responder = r }
}

// WithClock sets the time source used by the registry, sessions and router.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// initStore opens the SQLite database and reconciles state left by a previous run.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	res, err := s.Reconcile(ctx, session.ReasonRestart, time.Now())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("reconciling store: %w", err)
	}
	if res.AgentsMarkedOffline > 0 || res.SessionsEnded > 0 {
		logger.Info("reconciled state from previous run",
			"agents_marked_offline", res.AgentsMarkedOffline,
			"sessions_ended", res.SessionsEnded,
		)
	}
	return s, nil
}

// initMirror connects the optional Redis presence mirror.
func initMirror(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*mirror.RedisMirror, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	m, err := mirror.NewRedisMirror(ctx, cfg.URL, cfg.KeyPrefix, cfg.TTL, logger)
	if err != nil {
		return nil, err
	}
	if err := m.Reset(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("resetting redis mirror: %w", err)
	}
	logger.Info("redis presence mirror enabled", "prefix", cfg.KeyPrefix)
	return m, nil
}

// newResponder builds the AI responder described by cfg.
func newResponder(cfg config.ResponderConfig, logger *slog.Logger) responder.Responder {
	if cfg.Provider == "disabled" {
		logger.Warn("AI responder disabled by configuration")
		return responder.Disabled{Reason: "AI responder disabled by configuration"}
	}

	var temperature float32
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	r := responder.New(responder.OpenAIConfig{
		APIKey:             cfg.APIKey,
		BaseURL:            cfg.BaseURL,
		TranscriptionModel: cfg.TranscriptionModel,
		ChatModel:          cfg.ChatModel,
		SpeechModel:        cfg.SpeechModel,
		Voice:              cfg.Voice,
		AudioFormat:        cfg.AudioFormat,
		SystemPrompt:       cfg.SystemPrompt,
		MaxTokens:          cfg.MaxTokens,
		Temperature:        temperature,
	}, logger)

	return responder.WithTimeout(r, responder.TimeoutPolicy{
		Min:            cfg.MinTimeout,
		Max:            cfg.MaxTimeout,
		BytesPerSecond: cfg.AudioBytesPerSecond,
	})
}

// dropReason labels an undelivered envelope for metrics.
func dropReason(err error) string {
	switch {
	case errors.Is(err, agent.ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, agent.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, broadcast.ErrNoRecipient):
		return "no_recipient"
	default:
		return "other"
	}
}

// observeSession keeps the session metrics in step with start and end events.
func observeSession(s session.Session) {
	if s.Active() {
		metrics.SessionsActive.Inc()
		return
	}
	metrics.SessionsActive.Dec()
	metrics.SessionsEnded.WithLabelValues(s.EndReason).Inc()
}

// New creates a Gateway with the given configuration. Persisted agents are
// restored as offline and sessions left open by a previous run are ended.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := initStore(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	known, err := journal.AgentsFromStore(initCtx, s)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	m, err := initMirror(initCtx, cfg.Redis, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	sinks := []journal.Sink{journal.NewStoreSink(s)}
	if m != nil {
		sinks = append(sinks, m)
	}
	j := journal.New(journal.Params{
		Sinks:  sinks,
		Logger: logger,
		OnDrop: metrics.JournalDropped.Inc,
	})

	fanout := broadcast.New(logger)
	fanout.OnDrop(func(agentID string, env envelope.Envelope, err error) {
		metrics.EnvelopesDropped.WithLabelValues(dropReason(err)).Inc()
	})

	registry := agent.NewRegistry(agent.RegistryParams{
		Fanout:   fanout,
		Policy:   agent.DuplicatePolicy(cfg.Relay.DuplicatePolicy),
		Reserved: []string{cfg.Relay.AIAgentID},
		Now:      o.now,
		Logger:   logger,
		OnChange: j.AgentChanged,
	})
	if n := registry.Restore(known); n > 0 {
		logger.Info("restored known agents", "count", n)
	}

	sessions := session.NewManager(session.ManagerParams{
		Presence:    registry,
		Notifier:    fanout,
		AIAgentID:   cfg.Relay.AIAgentID,
		IdleTimeout: cfg.Relay.SessionIdleTimeout,
		Now:         o.now,
		Logger:      logger,
		OnChange: func(sess session.Session) {
			j.SessionChanged(sess)
			observeSession(sess)
		},
	})

	resp := o.responder
	if resp == nil {
		resp = newResponder(cfg.Responder, logger)
	}

	window := dedupe.NewWindow(dedupe.Options{
		TTL:           cfg.Relay.DedupeTTL,
		MaxSize:       100_000,
		SweepInterval: time.Minute,
		Now:           o.now,
	})

	router := relay.NewRouter(relay.RouterParams{
		Config: relay.Config{
			MinAudioBytes:         int(cfg.Relay.MinAudioSize),
			EndAISessionAfterTurn: cfg.Relay.EndAISessionAfterTurn,
			AudioFormat:           cfg.Responder.AudioFormat,
		},
		Registry:  registry,
		Sessions:  sessions,
		Responder: resp,
		Dedupe:    window,
		Exchanges: j,
		Logger:    logger,
		Now:       o.now,
	})

	connCtx, closeConns := context.WithCancel(context.Background())
	endpoint := relay.NewEndpoint(relay.EndpointParams{
		Registry:       registry,
		Router:         router,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		QueueDepth:     cfg.Relay.OutboundQueueDepth,
		Overflow:       agent.OverflowPolicy(cfg.Relay.OverflowPolicy),
		WriteTimeout:   cfg.Relay.WriteTimeout,
		PingInterval:   cfg.Relay.PingInterval,
		PongWait:       cfg.Relay.PongWait,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		BaseContext:    connCtx,
		Logger:         logger,
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		fanout:     fanout,
		registry:   registry,
		sessions:   sessions,
		router:     router,
		endpoint:   endpoint,
		journal:    j,
		dedupe:     window,
		mirror:     m,
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
		closeConns: closeConns,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = newGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	gw.stopSweep = stopSweep
	gw.sweepDone = make(chan struct{})
	go func() {
		defer close(gw.sweepDone)
		sessions.Run(sweepCtx)
	}()

	return gw, nil
}

// Handler returns the HTTP handler serving the API and the streaming endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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

// Run starts the servers and blocks until ctx is canceled or a server fails,
// then drains the relay. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.health.Resume()
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the Run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "a2a-relay", "tailscale"), nil
}

// setupTailscaleListeners joins the tailnet and listens there instead of on TCP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs the node's tailnet address and the URL agents dial.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks plain HTTP, tailnet HTTPS or Funnel.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
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

// waitOrDone runs wait in a goroutine and returns early if ctx ends first.
func waitOrDone(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown drains the relay: health goes NOT_SERVING, the HTTP server stops
// accepting, every agent connection is closed with 1001 and cleaned up,
// pending journal records are flushed and storage is closed. Safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.draining.Store(true)
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeConns()
	errs = appendCloseError(errs, "closing connections", waitOrDone(ctx, g.endpoint.Wait))
	errs = appendCloseError(errs, "waiting for AI turns", waitOrDone(ctx, g.router.Wait))

	g.stopSweep()
	<-g.sweepDone
	if n := g.sessions.EndAll(session.ReasonShutdown); n > 0 {
		g.logger.Info("ended remaining sessions", "count", n)
	}

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "journal flush", g.journal.Close(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	if g.mirror != nil {
		errs = appendCloseError(errs, "redis close", g.mirror.Close())
	}
	g.dedupe.Close()
	g.fanout.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
