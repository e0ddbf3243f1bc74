package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chillwhales/lsp-indexer/log"
)

const (
	moduleName = "metrics"

	shutdownTimeout = 5 * time.Second
)

// PullService is a service that supports the Prometheus pull method.
type PullService struct {
	pullEndpoint string
	logger       *log.Logger
}

// Router returns the handler serving /metrics and /healthz.
func (s *PullService) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Run serves metrics until ctx is cancelled.
func (s *PullService) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:           s.pullEndpoint,
		Handler:        s.Router(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", "endpoint", s.pullEndpoint)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("metrics server failed", "err", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Creates a new Prometheus pull service.
func NewPullService(pullEndpoint string, logger *log.Logger) (*PullService, error) {
	if pullEndpoint == "" {
		return nil, errors.New("metrics: empty pull endpoint")
	}
	return &PullService{
		pullEndpoint: pullEndpoint,
		logger:       logger.WithModule(moduleName),
	}, nil
}
