package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/webproxy/internal/api/middleware"
	"github.com/GriffinCanCode/webproxy/internal/bus"
	"github.com/GriffinCanCode/webproxy/internal/conf"
	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/gateway"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/config"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/webproxy/internal/inject"
	"github.com/GriffinCanCode/webproxy/internal/proxy"
	"github.com/GriffinCanCode/webproxy/internal/storage"
)

// Infrastructure routes. Everything else belongs to proxied sites.
const (
	HealthPath  = "/__sys__/healthz"
	MetricsPath = "/__sys__/metrics"
)

const scriptTimeout = 5 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	http    *http.Server
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer

	store   storage.KV
	conf    *conf.Manager
	gateway *gateway.Client
	pages   *proxy.PageTable
	hub     *bus.Hub
}

// NewServer builds the proxy from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return New(cfg, logger)
}

// New builds the proxy with an existing logger.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	log := logger.Logger

	log.Info("Initializing proxy server",
		zap.String("addr", cfg.Addr()),
		zap.String("upstream", cfg.Gateway.Upstream),
		zap.String("storage", cfg.Storage.DSN),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("webproxy", log)

	store, err := storage.Open(cfg.Storage.DSN, log.Named("storage"))
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	jar := cookie.NewJar(store)
	if err := jar.Load(context.Background()); err != nil {
		log.Warn("Failed to restore cookies", zap.Error(err))
	}

	fetcher := conf.NewHTTPFetcher(cfg.Gateway.Timeout, log)
	manager := conf.NewManager(conf.Options{
		Store:         store,
		StoreKey:      cfg.Conf.StoreKey,
		Bootstrap:     cfg.Conf.Bootstrap,
		ScriptURL:     cfg.Conf.ScriptURL,
		Fetcher:       fetcher,
		Refresh:       cfg.Conf.Refresh,
		ScriptTimeout: scriptTimeout,
		Logger:        log,
		Metrics:       metrics,
	})

	gw, err := gateway.NewClient(gateway.Options{
		Timeout:  cfg.Gateway.Timeout,
		RPS:      cfg.Gateway.RPS,
		Upstream: cfg.Gateway.Upstream,
		Jar:      jar,
		Logger:   log,
	})
	if err != nil {
		tracer.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	injector := inject.New()
	manager.Subscribe(gw)
	manager.Subscribe(injector)

	pages := proxy.NewPageTable(cfg.Proxy.PageWait, cfg.Proxy.PageInitCap, log.Named("pages"), metrics)
	catalog := proxy.NewCatalog(cfg.Proxy.Locale)

	hub := bus.NewHub(bus.Options{
		Jar:     jar,
		Conf:    manager,
		Pages:   pages,
		Logger:  log.Named("bus"),
		Metrics: metrics,
	})
	manager.SetNotifier(hub)

	pipeline := proxy.NewPipeline(proxy.Options{
		Transport:    gw,
		Broadcaster:  hub,
		Pages:        pages,
		Injector:     injector,
		Catalog:      catalog,
		MaxRedirects: cfg.Proxy.MaxRedirects,
		Logger:       log.Named("proxy"),
		Metrics:      metrics,
	})
	handler := proxy.NewHandler(proxy.HandlerOptions{
		Pipeline:  pipeline,
		Conf:      manager,
		Clients:   proxy.NewClientURLs(hub),
		Assets:    fetcher,
		Catalog:   catalog,
		StaticDir: cfg.Proxy.StaticDir,
		Logger:    log.Named("proxy"),
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// The proxy handler recovers its own panics into a diagnostic page.
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	if cfg.RateLimit.Enabled {
		log.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	s := &Server{
		router:  router,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		conf:    manager,
		gateway: gw,
		pages:   pages,
		hub:     hub,
	}

	ops := router.Group("/", middleware.CORS(middleware.DefaultCORSConfig()))
	ops.GET(HealthPath, s.health)
	ops.GET(MetricsPath, gin.WrapH(monitoring.Handler(metrics)))

	router.GET(bus.Path, hub.HandleConnection)
	router.NoRoute(handler.Handle)

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Server initialized successfully")
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully. The periodic
// configuration refresh runs alongside and stops with the server.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Warm up so the first page does not pay for initialization.
		if _, err := s.conf.Ensure(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Initial configuration load failed", zap.Error(err))
		}
		return s.conf.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.hub.Close()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.hub.Close()
	s.tracer.Close()

	var err error
	if cerr := s.store.Close(); cerr != nil {
		s.logger.Error("Failed to close storage", zap.Error(cerr))
		err = fmt.Errorf("failed to close storage: %w", cerr)
	}

	_ = s.logger.Sync()
	return err
}

func (s *Server) health(c *gin.Context) {
	ver := 0
	if cur := s.conf.Current(); cur != nil {
		ver = cur.Ver
	}

	breakers := make(map[string]string)
	for line, st := range s.gateway.BreakerStates() {
		breakers[line] = st.String()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"conf_state":    s.conf.State().String(),
		"conf_ver":      ver,
		"pages":         s.hub.Len(),
		"pending_pages": s.pages.Len(),
		"breakers":      breakers,
	})
}
