// Package cmd wires up the CLI flags and runs the request pump.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"tcpreq/config"
	"tcpreq/internal/core"
	"tcpreq/internal/httpapi"
	"tcpreq/internal/metrics"
	"tcpreq/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tcpreq/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs tcpreq against the process's stdio.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet()

	var configFile string
	var showVersion, showHelp, dryRun bool
	fs.StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "tcpreq %s\n", version)
		return nil
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(fs, fs.Args()); err != nil {
		return err
	}

	// ── load and validate ────────────────────────────────────────
	cfg, err := config.Load(fs, configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLogs, err := util.New(util.Options{
		Verbosity: cfg.Verbose,
		Format:    cfg.Log.Format,
		Output:    stderr,
		Loki:      util.LokiOptions{URL: cfg.Log.LokiURL, Labels: cfg.Log.Labels},
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLogs()

	if dryRun {
		logger.Info("configuration OK: %s:%s mode=%s return=%s", cfg.Host, cfg.Port, cfg.Mode, cfg.Return)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	mc := metrics.New()
	reg := prometheus.NewRegistry()
	if err := mc.Register(reg); err != nil {
		return err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pump, err := core.Build(cfg, logger, mc)
	if err != nil {
		return err
	}
	pump.Stdin = stdin
	pump.Stdout = stdout

	// ── run ──────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	adminCtx, stopAdmin := context.WithCancel(gctx)
	defer stopAdmin()

	g.Go(func() error {
		defer stopAdmin()
		return pump.Run(gctx)
	})
	if cfg.HTTPAddr != "" {
		srv := httpapi.New(pump.Manager, reg, logger.With("component", "admin"))
		g.Go(func() error {
			return srv.ListenAndServe(adminCtx, cfg.HTTPAddr, config.DefaultGracePeriod)
		})
	}

	err = g.Wait()
	logger.Verbose("metrics: %s", mc.JSON())
	return err
}

// newFlagSet declares every configuration flag.  Defaults shown here are
// for help output; the effective defaults come from config.Load.
func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("tcpreq", flag.ContinueOnError)

	// ── destination ──────────────────────────────────────────────
	fs.String("host", "", "Destination host (literal, or see --host-type)")
	fs.String("host-type", config.DefaultHostType, "Host source: str, env, msg, expr")
	fs.StringP("port", "p", "", "Destination port (literal, or see --port-type)")
	fs.String("port-type", config.DefaultPortType, "Port source: num, str, env, msg, expr")
	fs.BoolP("no-dns", "n", false, "Numeric-only, no DNS resolution")

	// ── framing ──────────────────────────────────────────────────
	fs.StringP("mode", "m", config.DefaultMode, "Framing: sit, char, count, time, immed")
	fs.StringP("return", "r", config.DefaultReturn, "Frame type: buffer or string")
	fs.String("charset", config.DefaultCharset, "Charset for string frames")
	fs.StringP("delimiter", "d", "", `Delimiter for char mode (e.g. "\n", "0x03")`)
	fs.Int("length", 0, "Frame length for count mode")
	fs.DurationP("wait", "w", 0, "Quiet period for time mode")
	fs.String("newline", "", "Split string frames on this separator (sit mode)")
	fs.Bool("trim", false, "Keep the separator on split frames")
	fs.Int("buffer-length", config.DefaultBufferLength, "Initial frame buffer size")

	// ── connection ───────────────────────────────────────────────
	fs.DurationP("idle-timeout", "t", 0, "Idle timeout that triggers a retry (0 disables)")
	fs.Duration("connect-timeout", config.DefaultConnTimeout, "Dial and handshake timeout")
	fs.Duration("keep-alive", config.DefaultKeepAlive, "TCP keep-alive period")
	fs.Int("max-retries", 0, "Reconnects after idle timeouts before giving up")
	fs.Duration("retry-delay", 0, "Delay before the first retry (0 = immediate)")
	fs.Duration("retry-max-delay", config.DefaultRetryMaxDelay, "Cap on the retry backoff")
	fs.Int("queue-size", config.DefaultQueueSize, "Queued requests per destination")

	// ── TLS ──────────────────────────────────────────────────────
	fs.Bool("tls-enabled", false, "Use TLS with system roots")
	fs.String("tls-cert", "", "Client certificate (PEM)")
	fs.String("tls-key", "", "Client key (PEM)")
	fs.String("tls-ca", "", "CA bundle (PEM)")
	fs.String("tls-pfx", "", "Client certificate and key (PKCS#12)")
	fs.String("tls-passphrase", "", "PKCS#12 passphrase")
	fs.String("tls-server-name", "", "Override the verified server name")
	fs.Bool("tls-insecure", false, "Skip certificate verification")
	fs.String("tls-min-version", "1.2", "Minimum TLS version")
	fs.StringSlice("tls-alpn", nil, "ALPN protocols")

	// ── I/O ──────────────────────────────────────────────────────
	fs.String("input", config.DefaultInput, "Stdin envelopes: raw lines or json")
	fs.String("output", config.DefaultOutput, "Stdout frames: raw or json")
	fs.Duration("linger", config.DefaultLinger, "Wait for replies after stdin ends")
	fs.String("http-addr", "", "Admin address for /healthz and /metrics")

	// ── logging ──────────────────────────────────────────────────
	fs.CountP("verbose", "v", "Increase verbosity (repeatable)")
	fs.String("log-format", config.DefaultLogFormat, "Log format: auto, text, json")
	fs.String("log-loki-url", "", "Push logs to this Loki endpoint")
	fs.StringToString("log-labels", nil, "Loki labels (key=value,...)")

	return fs
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional accepts "[host [port]]" and records them as flags so
// they take flag precedence over env and file values.
func parsePositional(fs *flag.FlagSet, remaining []string) error {
	if len(remaining) > 2 {
		return fmt.Errorf("too many arguments (expected [host [port]])")
	}
	names := []string{"host", "port"}
	for i, arg := range remaining {
		if fs.Changed(names[i]) {
			return fmt.Errorf("%s given both as --%s and as an argument", names[i], names[i])
		}
		if err := fs.Set(names[i], arg); err != nil {
			return fmt.Errorf("%s: %w", names[i], err)
		}
	}
	return nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `tcpreq - multiplexed TCP/TLS request client v%s

Reads requests from stdin, keeps one connection per destination and
writes framed replies to stdout.

Usage:
  tcpreq [options] <host> <port>
  tcpreq [options] --host-type msg --host target --input json

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  echo "PING" | tcpreq -m char -d '\n' -r string host 6379
  tcpreq -m count --length 16 -t 2s --max-retries 3 plc.local 502 < frames.bin
  tcpreq --input json --output json --host-type msg --host host \
         --port-type msg --port port < envelopes.jsonl
  tcpreq --tls-ca ca.pem --http-addr :9100 -m time -w 200ms svc 443
`)
}
