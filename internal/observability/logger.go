package observability

import (
	"os"
	"strings"

	"github.com/danmuck/uastack/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process logger for a binary, tagged with app. A
// non-empty level overrides the runtime default but not UASTACK_LOG_LEVEL.
func InitLogger(app, level string) zerolog.Logger {
	cfg := logging.RuntimeConfig()
	if os.Getenv(logging.EnvLogLevel) == "" && strings.TrimSpace(level) != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
			cfg.Level = lvl
		}
	}
	cfg.Out = os.Stdout
	logger := logging.New(cfg).With().Str("app", app).Logger()
	log.Logger = logger
	zerolog.SetGlobalLevel(cfg.Level)
	return logger
}
