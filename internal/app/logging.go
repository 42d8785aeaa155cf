package app

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/config"
)

// NewLogger builds the process logger from config. Output also goes to
// extra (the in-memory log buffer behind /api/logs) when set.
func NewLogger(c config.Logging, extra io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if !c.JSON {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	if extra != nil {
		// the buffer always gets plain JSON lines
		out = zerolog.MultiLevelWriter(out, extra)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
