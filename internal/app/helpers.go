package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NormalizeLocalViewer keeps the HTTP API on localhost and returns the
// listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(log zerolog.Logger, dir, cfgPath, role string) {
	log.Info().Msg("────────────────────────────────────────")
	log.Info().Str("dir", dir).Str("config", cfgPath).Str("role", role).Msg("peermentor node")
	log.Info().Msg(" This process is ONE learner or mentor.")
	log.Info().Msg(" Different folder/config = different node.")
	log.Info().Msg("────────────────────────────────────────")
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
