package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger points the global logger at a console writer on w, serialized so
// concurrent tasks never interleave lines. Unknown levels fall back to info.
func SetupLogger(w io.Writer, level string) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	log.Logger = zerolog.New(zerolog.SyncWriter(console)).With().Timestamp().Logger()
}
