// Package server orchestrates GateGuard's gateway and admin servers. The
// gateway server runs the admission pipeline in front of the API routes;
// the admin server exposes health checks, readiness probes, and Prometheus
// metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gateguard/gateguard/internal/admission"
	"github.com/gateguard/gateguard/internal/alert"
	"github.com/gateguard/gateguard/internal/blacklist"
	"github.com/gateguard/gateguard/internal/config"
	"github.com/gateguard/gateguard/internal/geoip"
	"github.com/gateguard/gateguard/internal/ghstore"
	"github.com/gateguard/gateguard/internal/observability"
	"github.com/gateguard/gateguard/internal/ratelimit"
	iredis "github.com/gateguard/gateguard/internal/redis"
	"github.com/gateguard/gateguard/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the main GateGuard server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server

	pipeline  *admission.Pipeline
	handlers  *handlers
	registry  *registry.Registry
	keys      *registry.KeySet
	blocklist *blacklist.Cache
	limiter   ratelimit.Backend
	geo       *geoip.Client
	alerts    *alert.Dispatcher

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.

	cancelPoll context.CancelFunc
}

// New creates a new GateGuard server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}

	if err := s.buildComponents(cfg, logger, metrics, health); err != nil {
		return nil, err
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.handlers.countRequests(s.pipeline))
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

func (s *Server) buildComponents(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, health *observability.HealthChecker) error {
	fetchTimeout, _ := config.ParseDuration(cfg.Blacklist.FetchTimeout, 10*time.Second)
	pollInterval, _ := config.ParseDuration(cfg.Blacklist.PollInterval, 15*time.Minute)
	cacheTTL, _ := config.ParseDuration(cfg.Blacklist.CacheTTL, 15*time.Minute)

	var src *blacklist.Source
	if cfg.Blacklist.URL != "" {
		src = blacklist.NewSource(cfg.Blacklist.URL, fetchTimeout, logger)
	}
	s.blocklist = blacklist.NewCache(src, cfg.Blacklist.Strategy, pollInterval, cacheTTL, logger, metrics)

	limiter, err := buildLimiter(cfg, logger, health)
	if err != nil {
		return err
	}
	s.limiter = limiter

	geoTimeout, _ := config.ParseDuration(cfg.Geo.Timeout, 3500*time.Millisecond)
	geoTTL, _ := config.ParseDuration(cfg.Geo.CacheTTL, time.Hour)
	if cfg.Geo.URL != "" {
		geo, geoErr := geoip.NewClient(cfg.Geo.URL, geoTimeout, geoTTL, logger, metrics)
		if geoErr != nil {
			return fmt.Errorf("create geoip client: %w", geoErr)
		}
		s.geo = geo
	}

	s.alerts = alert.NewDispatcher(cfg.Alerts, logger, metrics)
	s.registry = registry.New(cfg.Endpoints, logger)
	s.keys = registry.NewKeySet(cfg.APIKeys.Keys)

	store := ghstore.New(cfg.Store, logger)
	s.handlers = newHandlers(logger, s.registry, s.blocklist, store, s.alerts, string(cfg.Server.AdminKey))

	extractor, err := ratelimit.NewIPExtractor(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	s.pipeline = admission.New(admission.Deps{
		Next:          s.handlers.recover(s.handlers.mux()),
		Blocklist:     s.blocklist,
		Limiter:       s.limiter,
		Registry:      s.registry,
		Keys:          s.keys,
		Extractor:     extractor,
		Geo:           s.geo,
		Alerts:        s.alerts,
		InjectDefault: cfg.APIKeys.InjectDefaultEnabled(),
		ExemptPaths:   cfg.RateLimit.ExemptPaths,
		Logger:        logger,
		Metrics:       metrics,
	})

	return nil
}

// buildLimiter selects the rate-limit backend. Limit 0 disables limiting.
func buildLimiter(cfg *config.Config, logger *slog.Logger, health *observability.HealthChecker) (ratelimit.Backend, error) {
	if cfg.RateLimit.Limit <= 0 {
		logger.Info("rate limiting disabled (limit=0)")
		return nil, nil
	}

	window, _ := config.ParseDuration(cfg.RateLimit.Window, time.Minute)

	if cfg.RateLimit.Backend == config.RateLimitBackendMemory {
		logger.Info("rate limiting on in-process backend",
			"limit", cfg.RateLimit.Limit, "window", window)
		return ratelimit.NewMemoryLimiter(cfg.RateLimit.Limit, window), nil
	}

	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	client, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	health.SetRedisPinger(&redisPingerAdapter{client: client})

	logger.Info("rate limiting on redis backend",
		"limit", cfg.RateLimit.Limit, "window", window,
		"mode", cfg.Redis.Mode, "endpoints", cfg.Redis.Endpoints)
	return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Limit, window, cfg.RateLimit.KeyPrefix, logger), nil
}

// redisPingerAdapter adapts the go-redis Ping to the health checker's
// Pinger interface for the deep readiness probe.
type redisPingerAdapter struct {
	client iredis.Client
}

func (a *redisPingerAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				_ = h3srv.SetQUICHeaders(w.Header())
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB, prevents large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the gateway and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// the poll strategy refreshes the blocklist in the background for the
	// lifetime of the server
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	s.cancelPoll = cancelPoll
	go s.blocklist.Run(pollCtx)

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound, so readiness is
	// never reported before connections can be accepted.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("gateguard is ready", "version", s.version)
	case srvErr := <-errCh:
		cancelPoll()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		cancelPoll()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so readiness is signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// The HTTP/3 listener enforces the same MinVersion and certs.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps API keys, endpoint definitions, the admin key, key
// injection, rate-limit parameters, alert destinations, and TLS
// certificates without restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	s.keys.Replace(newCfg.APIKeys.Keys)
	s.registry.Reload(newCfg.Endpoints)
	s.handlers.setAdminKey(string(newCfg.Server.AdminKey))
	s.pipeline.SetInjectDefault(newCfg.APIKeys.InjectDefaultEnabled())
	s.reloadLimiter(newCfg)

	if s.alerts != nil {
		s.alerts.Reconfigure(newCfg.Alerts)
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded",
		"api_keys", s.keys.Len(), "endpoints", len(s.registry.Definitions()))
	return nil
}

// reloadLimiter rebuilds the rate limiter when its parameters changed. The
// redis backend keeps its existing client; backend switches need a restart.
func (s *Server) reloadLimiter(newCfg *config.Config) {
	old := s.cfg.RateLimit
	next := newCfg.RateLimit
	if old.Limit == next.Limit && old.Window == next.Window && old.KeyPrefix == next.KeyPrefix {
		return
	}

	window, _ := config.ParseDuration(next.Window, time.Minute)

	var newLimiter ratelimit.Backend
	switch {
	case next.Limit <= 0:
		s.logger.Info("rate limiting disabled (limit=0)")
	case next.Backend == config.RateLimitBackendMemory:
		newLimiter = ratelimit.NewMemoryLimiter(next.Limit, window)
	default:
		rl, ok := s.limiter.(*ratelimit.RedisLimiter)
		if !ok {
			s.logger.Warn("enabling the redis rate limiter requires a restart, keeping limiter disabled")
			return
		}
		newLimiter = ratelimit.NewRedisLimiter(rl.Client(), next.Limit, window, next.KeyPrefix, s.logger)
	}

	prev := s.pipeline.SwapLimiter(newLimiter)
	switch {
	case newLimiter != nil:
		s.limiter = newLimiter
	case s.cfg.RateLimit.Backend == config.RateLimitBackendRedis:
		// Keep the redis client so a later reload can re-enable the limiter.
		s.limiter = prev
	default:
		s.limiter = nil
	}

	// A redis limiter shares its client with the replacement, so only the
	// in-process limiter is closed here.
	if mem, ok := prev.(*ratelimit.MemoryLimiter); ok {
		_ = mem.Close()
	}

	s.logger.Info("rate limiter reloaded",
		"limit", next.Limit, "window", window, "backend", next.Backend)
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	if s.cancelPoll != nil {
		s.cancelPoll()
	}

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("rate limiter close error", "error", err)
		}
	}

	if err := s.alerts.Close(); err != nil {
		s.logger.Error("alert dispatcher close error", "error", err)
	}

	if s.geo != nil {
		s.geo.Close()
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
