package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fuse-drs/drs-provider/internal/config"
	handlers "github.com/fuse-drs/drs-provider/internal/handlers/v1"
	"github.com/fuse-drs/drs-provider/pkg/metrics"
	"github.com/fuse-drs/drs-provider/pkg/middleware"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	handler  *handlers.ServiceHandler
	listener net.Listener
	registry prometheus.Registerer
}

// New returns a new instance of the drs-provider API server.
func New(
	cfg *config.Config,
	handler *handlers.ServiceHandler,
	listener net.Listener,
	registry prometheus.Registerer,
) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		listener: listener,
		registry: registry,
	}
}

// Router builds the HTTP handler with the full middleware chain.
func (s *Server) Router() (http.Handler, error) {
	router := chi.NewRouter()

	metricMiddleware, err := metrics.NewMiddleware("api_server")
	if err != nil {
		return nil, err
	}
	if err := metricMiddleware.Register(s.registry); err != nil {
		return nil, fmt.Errorf("registering http metrics: %w", err)
	}

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Service.CorsOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)
	s.handler.Routes(router)

	return router, nil
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
