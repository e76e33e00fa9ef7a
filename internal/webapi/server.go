package webapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/framepulse-ai/framepulse/internal/billing"
	"github.com/framepulse-ai/framepulse/internal/ledger"
	"github.com/framepulse-ai/framepulse/internal/video"
)

// Server exposes the webhook endpoint, the cron endpoint, the vendor
// callback, and the authenticated consumer surface.
type Server struct {
	cfg        Config
	dispatcher *billing.Dispatcher
	ledgerSvc  *ledger.Service
	videoSvc   *video.Service
	logger     *zap.Logger
	router     *gin.Engine
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config, dispatcher *billing.Dispatcher, ledgerService *ledger.Service, videoService *video.Service, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		ledgerSvc:  ledgerService,
		videoSvc:   videoService,
		logger:     logger,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler returns the HTTP handler, exposed for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/stripe", server.handleStripeWebhook)

	internal := router.Group("/internal")
	internal.POST("/reconcile", sharedSecretMiddleware("X-Cron-Secret", server.cfg.CronSecret), server.handleReconcile)

	router.POST("/api/videos/callback", sharedSecretMiddleware("X-Callback-Secret", server.cfg.CallbackSecret), server.handleVendorCallback)

	api := router.Group("/api")
	api.Use(sessionMiddleware(server.cfg))
	api.GET("/wallet", server.handleWallet)
	api.POST("/videos", server.handleCreateVideo)
	api.GET("/videos/:id", server.handleGetVideo)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
