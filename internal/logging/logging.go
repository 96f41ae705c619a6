package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/inconshreveable/log15"
)

// Config controls the process-wide log handler.
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // logfmt, json or terminal
}

// New returns a logger tagged with the given module name. Loggers created
// before Init pick up the handler installed later.
func New(module string) log15.Logger {
	return log15.New("module", module)
}

// Init installs the root handler writing to stderr.
func Init(cfg Config) error {
	return InitWithWriter(cfg, os.Stderr)
}

func InitWithWriter(cfg Config, w io.Writer) error {
	lvl := log15.LvlInfo
	if cfg.Level != "" {
		parsed, err := log15.LvlFromString(strings.ToLower(cfg.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		lvl = parsed
	}

	var format log15.Format
	switch strings.ToLower(cfg.Format) {
	case "", "logfmt":
		format = log15.LogfmtFormat()
	case "json":
		format = log15.JsonFormat()
	case "terminal":
		format = log15.TerminalFormat()
	default:
		return errors.Newf("unsupported log format %q", cfg.Format)
	}

	log15.Root().SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(w, format)))
	return nil
}

// Discard silences every logger. The stdio MCP transport owns stdout, so
// logs stay off unless explicitly enabled.
func Discard() {
	log15.Root().SetHandler(log15.DiscardHandler())
}
