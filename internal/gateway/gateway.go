// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC health servers
// ABOUTME: Owns the agent manager, command service, store and listener lifecycle

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
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/miner-gateway/internal/agent"
	"github.com/2389/miner-gateway/internal/auth"
	"github.com/2389/miner-gateway/internal/command"
	"github.com/2389/miner-gateway/internal/config"
	"github.com/2389/miner-gateway/internal/secrets"
	"github.com/2389/miner-gateway/internal/store"
)

// HealthService is the gRPC health service name that tracks store reachability.
const HealthService = "miner.gateway.Agents"

// healthInterval is how often the gRPC health status is refreshed
const healthInterval = 15 * time.Second

// tailscaleGRPCPort is the tailnet port for the gRPC health endpoint
const tailscaleGRPCPort = ":50051"

// Gateway orchestrates the miner-gateway server components.
// It serves the agent WebSocket endpoint and operator API over HTTP and an
// optional gRPC health endpoint.
type Gateway struct {
	config       *config.Config
	store        store.Store
	cipher       *secrets.Cipher
	agentManager *agent.Manager
	commands     *command.Service
	agentAuth    *auth.AgentTokenAuthenticator
	jwtVerifier  *auth.JWTVerifier // nil when operator auth is disabled
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// initStore opens the SQLite store named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates a gRPC server exposing only the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	cipher, err := secrets.NewCipher(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("creating secrets cipher: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, cipher, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires the components around an already-open store.
func newGateway(cfg *config.Config, s store.Store, cipher *secrets.Cipher, logger *slog.Logger) (*Gateway, error) {
	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))
	commands := command.NewService(command.ServiceParams{
		Store:   s,
		Agents:  agentMgr,
		Secrets: cipher,
		Config: command.Config{
			ScanTimeout:  cfg.Commands.ScanTimeout,
			ReplayWindow: cfg.Commands.ReplayWindow,
			DedupeTTL:    cfg.Commands.DedupeTTL,
		},
		Logger: logger.With("component", "command"),
	})

	grpcServer, healthServer := createGRPCServer()

	gw := &Gateway{
		config:       cfg,
		store:        s,
		cipher:       cipher,
		agentManager: agentMgr,
		commands:     commands,
		agentAuth:    auth.NewAgentTokenAuthenticator(s),
		jwtVerifier:  verifier,
		grpcServer:   grpcServer,
		health:       healthServer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; the token is the credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.HandleFunc("GET /agents/ws", gw.handleAgentWS)
	mux.HandleFunc("GET /agents/me", gw.handleAgentMe)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// AgentManager returns the gateway's agent manager.
func (g *Gateway) AgentManager() *agent.Manager {
	return g.agentManager
}

// setupTCPListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
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
// grpcLn is nil when no gRPC endpoint is configured.
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
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

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
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go g.watchHealth(watchCtx, healthInterval)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopWatch()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// watchHealth keeps the gRPC health status in step with store reachability.
func (g *Gateway) watchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		g.refreshHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) refreshHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(HealthService, status)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "miner-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
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

// logTailscaleStatus logs info about the tailscale node status.
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
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

// Shutdown gracefully stops all gateway servers and releases resources.
// Outstanding scan waits are cancelled before any agent socket is closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "agents_online", g.agentManager.Count())

	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "agent shutdown", g.agentManager.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.commands.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents online)", g.agentManager.Count())
}
