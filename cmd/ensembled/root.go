package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ensembled/internal/config"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath    string
	logLevel      string
	logFormat     string
	devices       string
	backend       string
	memoryBackend string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ensembled",
		Short:         "Rotate embedding-model ensembles over shared accelerators",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("ENSEMBLED_CONFIG"), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json (overrides config)")
	pf.StringVar(&opts.devices, "devices", "", "Comma-separated device indices, e.g. 0,1 (overrides config)")
	pf.StringVar(&opts.backend, "backend", "", "Encoder backend: hash|llama|onnx (overrides config)")
	pf.StringVar(&opts.memoryBackend, "memory-backend", "", "Device memory backend: none|nvml (overrides config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return opts.load(cmd.ErrOrStderr())
	}

	root.AddCommand(newRunCmd(opts), newServeCmd(opts), newDevicesCmd(opts))
	return root
}

// load reads the config file, applies flag overrides and defaults, and
// builds the root logger.
func (o *options) load(logOut io.Writer) error {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.memoryBackend != "" {
		cfg.MemoryBackend = o.memoryBackend
	}
	if o.devices != "" {
		devs, err := parseDevices(o.devices)
		if err != nil {
			return err
		}
		cfg.Devices = devs
	}
	cfg.ApplyDefaults()
	o.cfg = cfg
	o.log = newLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	return nil
}

func newLogger(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDevices parses a device list such as "0,1".
func parseDevices(s string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(s) {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid device index %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
