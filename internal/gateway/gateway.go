// ABOUTME: Gateway orchestrator that wires the trust boundary and runs the HTTP and gRPC servers
// ABOUTME: Owns the store, session keys, credential verifiers, tenant lock machine and listener lifecycle

package gateway

import (
	"context"
	"crypto"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/command"
	"github.com/converto/converto-gateway/internal/config"
	"github.com/converto/converto-gateway/internal/credentials"
	"github.com/converto/converto-gateway/internal/metrics"
	"github.com/converto/converto-gateway/internal/operator"
	"github.com/converto/converto-gateway/internal/ratelimit"
	"github.com/converto/converto-gateway/internal/store"
	"github.com/converto/converto-gateway/internal/tenantlock"
)

// Gateway orchestrates the converto-gateway server components.
// It serves the auth, command and admin HTTP endpoints and an optional gRPC health service.
type Gateway struct {
	config  *config.Config
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	issuer  *auth.SessionIssuer
	cookies *auth.CookieWriter
	gate    *auth.TenantGate

	totp       *credentials.TOTPVerifier
	magicLinks *credentials.MagicLinkVerifier // nil when magic_link.secret is unset
	passkeys   *credentials.PasskeyVerifier

	locks         *tenantlock.Machine
	commands      *command.Authenticator // nil when commands.signing_secret is unset
	operators     operator.Authorizer
	operatorGuard *operator.TokenGuard

	limiter     ratelimit.Limiter
	redisClient redis.UniversalClient

	grpcServer   *grpc.Server // nil when no gRPC listener is configured
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server

	// serverID identifies this gateway instance
	serverID string

	mailer credentials.Mailer
}

// Option customizes a Gateway at construction.
type Option func(*Gateway)

// WithMailer replaces the default magic link mailer.
func WithMailer(m credentials.Mailer) Option {
	return func(g *Gateway) { g.mailer = m }
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// determineBaseURL resolves the public base URL from config or environment.
func determineBaseURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Server.BaseURL != "" {
		return cfg.Server.BaseURL
	}

	// CONVERTO_GATEWAY_URL includes the full tailnet DNS name
	if envURL := os.Getenv("CONVERTO_GATEWAY_URL"); envURL != "" {
		return envURL
	}

	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}

	if cfg.Tailscale.HTTPS {
		logger.Warn("server.base_url/CONVERTO_GATEWAY_URL not set - passkeys and magic links may fail. Set CONVERTO_GATEWAY_URL to the full tailnet URL (e.g., https://converto.your-tailnet.ts.net)")
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONVERTO_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.OpenSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// loadSessionIssuer parses the configured key pair and checks that the public
// key matches the private key.
func loadSessionIssuer(cfg config.SessionConfig) (*auth.SessionIssuer, error) {
	signer, err := auth.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading session private key: %w", err)
	}
	pub, err := auth.ParsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("loading session public key: %w", err)
	}
	eq, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !eq.Equal(signer.Public()) {
		return nil, errors.New("session public key does not match private key")
	}
	return auth.NewSessionIssuer(signer, cfg.Issuer, cfg.Audience, cfg.TTL)
}

// newLimiter builds the configured rate limiter. The returned client is nil
// for the memory backend.
func newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, redis.UniversalClient) {
	policy := ratelimit.Policy{Limit: cfg.Requests, Window: cfg.Window}
	if cfg.Backend == "redis" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		return ratelimit.NewRedisLimiter(client, "converto:rl", policy), client
	}
	return ratelimit.NewMemoryLimiter(policy, cfg.MaxKeys), nil
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		config:   cfg,
		metrics:  metrics.New(),
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}
	for _, opt := range opts {
		opt(gw)
	}

	if gw.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		gw.store = s
	}

	if err := gw.initComponents(); err != nil {
		_ = gw.store.Close()
		return nil, err
	}

	if gw.needsGRPC() {
		gw.grpcServer, gw.healthServer = createGRPCServer(gw.logger)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initComponents builds the session, credential, lock and command components.
func (g *Gateway) initComponents() error {
	cfg := g.config
	baseURL := determineBaseURL(cfg, g.logger)

	issuer, err := loadSessionIssuer(cfg.Session)
	if err != nil {
		return err
	}
	g.issuer = issuer
	g.cookies = auth.NewCookieWriter(cfg.Session.CookieName, cfg.Session.CookieDomain, cfg.Session.CookieInsecure)
	g.gate = auth.NewTenantGate(issuer.Verifier(), g.cookies, cfg.Session.TenantHeader, g.metrics)
	if cfg.Session.CookieInsecure {
		g.logger.Warn("session cookie Secure attribute disabled (session.cookie_insecure)")
	}

	g.totp = credentials.NewTOTPVerifier(g.store, cfg.TOTP.Issuer, g.metrics)

	passkeys, err := credentials.NewPasskeyVerifier(g.store, credentials.PasskeyConfig{
		BaseURL:       baseURL,
		RPDisplayName: cfg.Passkey.RPDisplayName,
		ChallengeTTL:  cfg.Passkey.ChallengeTTL,
	}, g.metrics)
	if err != nil {
		return fmt.Errorf("creating passkey verifier: %w", err)
	}
	g.passkeys = passkeys

	if cfg.MagicLink.Secret != "" {
		if g.mailer == nil {
			g.logger.Warn("no mailer configured, magic links are written to stderr")
			g.mailer = credentials.WriterMailer{W: os.Stderr}
		}
		magicLinks, err := credentials.NewMagicLinkVerifier(g.store, credentials.MagicLinkConfig{
			Secret:  cfg.MagicLink.Secret,
			TTL:     cfg.MagicLink.TTL,
			BaseURL: baseURL,
		}, g.mailer, g.metrics)
		if err != nil {
			return fmt.Errorf("creating magic link verifier: %w", err)
		}
		g.magicLinks = magicLinks
	} else {
		g.logger.Info("magic links disabled (magic_link.secret not set)")
	}

	g.locks = tenantlock.New(g.store, tenantlock.Config{
		DefaultTTL: cfg.TenantLock.DefaultTTL,
		MaxTTL:     cfg.TenantLock.MaxTTL,
	}, g.metrics)

	allow := operator.NewAllowList(cfg.Commands.PrivilegedActors)
	g.operators = allow
	g.operatorGuard = operator.NewTokenGuard(cfg.Admin.OperatorToken)
	if allow.Len() == 0 {
		g.logger.Warn("no privileged actors configured, tenant lock commands will be refused")
	}

	if cfg.Commands.SigningSecret != "" {
		g.commands = command.NewAuthenticator(cfg.Commands.SigningSecret, cfg.Commands.ReplayWindow, g.metrics)
	} else {
		g.logger.Info("signed commands disabled (commands.signing_secret not set)")
	}

	g.limiter, g.redisClient = newLimiter(cfg.RateLimit)
	g.logger.Info("rate limiting enabled",
		"backend", cfg.RateLimit.Backend,
		"requests", cfg.RateLimit.Requests,
		"window", cfg.RateLimit.Window,
	)
	return nil
}

// needsGRPC reports whether a gRPC listener will be opened.
func (g *Gateway) needsGRPC() bool {
	return g.config.Tailscale.Enabled || g.config.Server.GRPCAddr != ""
}

// Handler returns the HTTP handler serving all gateway routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Metrics returns the gateway's metrics registry.
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
// grpcLn is nil when server.grpc_addr is unset.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
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

// startServers starts the servers in goroutines, returning the error channel.
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.setServing(true)
	go g.purgeChallenges(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// purgeChallenges deletes expired passkey challenges until ctx is done.
func (g *Gateway) purgeChallenges(ctx context.Context) {
	interval := g.config.Passkey.ChallengeTTL
	if interval <= 0 {
		interval = credentials.DefaultChallengeTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.passkeys.PurgeExpiredChallenges(ctx)
			if err != nil {
				g.logger.Warn("purging passkey challenges", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Debug("purged expired passkey challenges", "count", n)
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "converto-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
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

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
		if err != nil {
			return nil, nil, err
		}
		return grpcLn, httpLn, nil
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.totp != nil {
		g.totp.Close()
	}
	if g.commands != nil {
		g.commands.Close()
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.setServing(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.closeOptionalComponents()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", g.serverID)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("converto-gateway-%d", time.Now().UnixNano()%1000000)
}
