// Package core turns a Config into a running request pump: it builds the
// engine and dialer, feeds stdin envelopes in and writes frames out.
package core

import (
	"fmt"
	"strings"

	"tcpreq/config"
	"tcpreq/internal/engine"
	"tcpreq/internal/framing"
	"tcpreq/internal/metrics"
	"tcpreq/internal/property"
	"tcpreq/internal/retry"
	"tcpreq/internal/tlsconfig"
	"tcpreq/internal/transport"
	"tcpreq/util"
)

// Build constructs a Pump from the given configuration.  This is the
// single place where config values turn into engine options and a
// dialer.  The returned Pump owns a running Manager.
func Build(cfg *config.Config, logger *util.Logger, mc *metrics.Collector) (*Pump, error) {
	if logger == nil {
		logger = util.Discard()
	}
	opts, err := BuildOptions(cfg)
	if err != nil {
		return nil, err
	}

	host, err := property.Compile(cfg.Host, cfg.HostType)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	portType := cfg.PortType
	if portType == "" {
		portType = config.DefaultPortType
	}
	port, err := property.Compile(cfg.Port, portType)
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}

	dialer, err := BuildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}

	p := &Pump{
		Host:      host,
		Port:      port,
		JSONInput: strings.EqualFold(cfg.Input, "json"),
		Linger:    cfg.Linger,
		Logger:    logger,
		out:       newFrameWriter(strings.EqualFold(cfg.Output, "json")),
	}
	p.wire(&opts)

	m, err := engine.New(opts, dialer, logger, mc)
	if err != nil {
		return nil, err
	}
	p.Manager = m
	return p, nil
}

// BuildOptions maps the framing, queue and retry settings onto engine
// options.  Hooks are left for the caller.
func BuildOptions(cfg *config.Config) (engine.Options, error) {
	mode, err := cfg.FramingMode()
	if err != nil {
		return engine.Options{}, err
	}
	ret, err := framing.ParseReturnType(cfg.Return)
	if err != nil {
		return engine.Options{}, err
	}

	fc := framing.Config{
		Mode:       mode,
		Length:     cfg.Length,
		Wait:       cfg.Wait,
		BufferSize: cfg.BufferLength,
		Separator:  framing.ParseSeparator(cfg.Newline),
		Trim:       cfg.Trim,
	}
	if mode == framing.ModeDelimiter {
		fc.Delimiter, err = framing.ParseDelimiter(cfg.Delimiter)
		if err != nil {
			return engine.Options{}, err
		}
	}

	return engine.Options{
		Framing:     fc,
		ReturnType:  ret,
		Charset:     cfg.Charset,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: cfg.IdleTimeout,
		Retry: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Delay:      cfg.RetryDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		OneShot: cfg.OneShot(),
		NoDNS:   cfg.NoDNS,
	}, nil
}

// BuildDialer creates the right transport.Dialer for the given config:
// plain TCP, or TLS over TCP when any TLS setting is present.
func BuildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, error) {
	tcp := &transport.TCPDialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	opts := tlsOptions(cfg)
	if !cfg.TLS.Enabled && !opts.Enabled() {
		return tcp, nil
	}

	provider, err := tlsconfig.New(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	logger.Verbose("TLS enabled (min version %s)", opts.MinVersion)
	return &transport.TLSDialer{Base: tcp, Config: provider}, nil
}

func tlsOptions(cfg *config.Config) tlsconfig.Options {
	return tlsconfig.Options{
		CertFile:   cfg.TLS.Cert,
		KeyFile:    cfg.TLS.Key,
		CAFile:     cfg.TLS.CA,
		PFXFile:    cfg.TLS.PFX,
		Passphrase: cfg.TLS.Passphrase,
		ServerName: cfg.TLS.ServerName,
		Insecure:   cfg.TLS.Insecure,
		ALPN:       cfg.TLS.ALPN,
		MinVersion: cfg.TLS.MinVersion,
	}
}
