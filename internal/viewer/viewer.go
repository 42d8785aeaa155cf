// Package viewer serves the node's local HTTP API.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/util"
	"github.com/petervdpas/peermentor/internal/viewer/routes"
)

type Viewer struct {
	Service routes.Service
	Logs    *LogBuffer
	// StatusFor maps service errors to HTTP codes; see routes.Deps.
	StatusFor func(error) int
	Log       zerolog.Logger
}

// Handler builds the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Service:   v.Service,
		StatusFor: v.StatusFor,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return apiMiddleware(mux, v.Log)
}

// Start serves the API on addr until ctx ends.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// SSE and websocket streams hold connections open
		v.Log.Debug().Err(err).Msg("http api shutdown")
		_ = srv.Close()
	}
	return nil
}
