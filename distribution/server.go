// Package distribution is the consumer side of the ingest core and its HTTP
// surface. It provides a queued consumer that turns synchronous dispatch into
// pull-based delivery, and a REST API over the source directory and the
// producer handle table, served over HTTPS and HTTP/3.
package distribution

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rawingest/certs"
	"github.com/zsiec/rawingest/ingest"
	"github.com/zsiec/rawingest/internal/metrics"
	"github.com/zsiec/rawingest/stream"
)

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	// Addr is used for both the HTTPS (TCP) and HTTP/3 (UDP) listeners.
	Addr     string
	Cert     *certs.CertInfo
	Registry *ingest.Registry
	Streams  *stream.Manager

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Server is the REST API over the source directory and producer handles.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	router *gin.Engine
	h3     *http3.Server
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Registry == nil {
		return nil, errors.New("distribution: Registry is required")
	}
	if config.Streams == nil {
		return nil, errors.New("distribution: Streams is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		config: config,
		log:    log.With("component", "api"),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.altSvc())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sources": s.config.Registry.Len()})
	})
	if s.config.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	sources := router.Group("/api/sources")
	{
		sources.GET("", s.handleListSources)
		sources.GET("/:vhost/:app/:stream", s.handleGetSource)
		sources.POST("/:vhost/:app/:stream/close", s.handleCloseSource)
		sources.GET("/:vhost/:app/:stream/video", s.handleWatchVideo)
		sources.GET("/:vhost/:app/:stream/audio", s.handleWatchAudio)
	}

	producer := router.Group("/api/ingest")
	{
		producer.POST("", s.handleCreate)
		producer.GET("", s.handleListHandles)
		producer.GET("/:handle", s.handleGetHandle)
		producer.POST("/:handle/tracks", s.handleDeclare)
		producer.POST("/:handle/complete", s.handleComplete)
		producer.POST("/:handle/video", s.handlePushVideo)
		producer.POST("/:handle/audio", s.handlePushAudio)
		producer.GET("/:handle/readers", s.handleReaders)
		producer.POST("/:handle/close", s.handleProducerClose)
		producer.DELETE("/:handle", s.handleRelease)
	}

	s.router = router
}

// Handler returns the API as an http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"proto", c.Request.Proto,
			"duration", time.Since(start))
	}
}

// altSvc advertises the HTTP/3 listener on responses served over TCP.
func (s *Server) altSvc() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.h3 != nil && c.Request.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(c.Writer.Header()); err != nil {
				s.log.Debug("setting Alt-Svc", "error", err)
			}
		}
		c.Next()
	}
}

// Start launches the HTTPS and HTTP/3 listeners and blocks until the context
// is cancelled or either listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Cert == nil {
		return errors.New("distribution: Cert is required to serve")
	}
	if s.config.Addr == "" {
		return errors.New("distribution: Addr is required to serve")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.router,
		TLSConfig: tlsConfig,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		TLSConfig:         tlsConfig.Clone(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTP/3 API listening", "addr", s.config.Addr)
		err := s.h3.ListenAndServe()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		err := httpsSrv.ListenAndServeTLS("", "")
		if gctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTPS shutdown", "error", err)
		}
		return s.h3.Close()
	})
	return g.Wait()
}
