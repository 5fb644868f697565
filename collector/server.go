package collector

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel/collector/broadcast"
	"github.com/trinnode/Sentinel/collector/storage"
)

// Server wires the HTTP surface (ingress, health, metrics, observer push)
// on top of the Aggregator/Store/Broadcaster/WebhookDispatcher collaborators.
type Server struct {
	log   logrus.FieldLogger
	cfg   *Config
	store storage.Store

	aggregator *Aggregator
	ingress    *Ingress
	bcast      *broadcast.Broadcaster
	hooks      *WebhookDispatcher

	httpServer *http.Server
}

// NewServer constructs a collector Server, opening the storage connection
// and wiring every collaborator.
func NewServer(log logrus.FieldLogger, cfg *Config) (*Server, error) {
	store, err := storage.NewPostgresStore(cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bcast := broadcast.New(log)
	hooks := NewWebhookDispatcher(log, store)
	aggregator := NewAggregator(log, store, bcast, hooks, cfg.ConsensusThreshold, cfg.WindowAgeLimit)
	ingress := NewIngress(log, store, aggregator, hooks)

	return &Server{
		log:        log,
		cfg:        cfg,
		store:      store,
		aggregator: aggregator,
		ingress:    ingress,
		bcast:      bcast,
		hooks:      hooks,
	}, nil
}

// Start runs the aggregator's aging sweep and the HTTP server, blocking
// until a shutdown signal is received.
func (s *Server) Start() error {
	s.log.Info("Starting Sentinel collector...")

	s.bcast.Start()

	if err := s.aggregator.Start(); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", s.healthCheck)
	router.GET("/ready", s.readyCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.bcast.HandleConnection)

	s.ingress.RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.WithField("port", s.cfg.HTTPPort).Info("collector API listening")

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("collector HTTP server stopped unexpectedly")
		}
	}()

	s.waitForShutdown()

	return nil
}

// Stop gracefully shuts down the HTTP server, aggregator, and storage
// connection (spec.md §5 Cancellation).
func (s *Server) Stop() error {
	s.log.Info("Stopping Sentinel collector...")

	s.aggregator.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("error shutting down HTTP server")
		}
	}

	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Error("error closing storage")
	}

	s.log.Info("Sentinel collector stopped")

	return nil
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit

	s.log.Info("shutdown signal received")

	_ = s.Stop()
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "sentinel-collector"})
}

func (s *Server) readyCheck(c *gin.Context) {
	if err := s.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "storage not accessible"})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "service": "sentinel-collector"})
}
