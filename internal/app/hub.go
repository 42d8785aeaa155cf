package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/peermentor/internal/config"
	"github.com/petervdpas/peermentor/internal/signal"
	"github.com/petervdpas/peermentor/internal/util"
)

// RunHub serves the WebSocket signaling broker on addr until ctx ends.
//
//	GET /signal     websocket endpoint registration and relay
//	GET /endpoints  registered endpoint IDs
func RunHub(ctx context.Context, addr string, logCfg config.Logging) error {
	log := component(NewLogger(logCfg, nil), "hub")
	hub := signal.NewHub(log)

	srv := &http.Server{
		Addr:              addr,
		Handler:           hubMux(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("signaling hub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		hub.Close()
		return err
	case <-ctx.Done():
	}

	hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("hub shutdown")
	}
	return nil
}

func hubMux(hub *signal.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/signal", hub)
	mux.HandleFunc("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(hub.Endpoints())
	})
	return mux
}
