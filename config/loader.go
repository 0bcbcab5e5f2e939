package config

// loader.go - configuration loading through viper.
//
// Precedence order (highest wins):
//   1. CLI flags  (declared by cmd/root.go, bound here)
//   2. Environment variables  (TCPREQ_ prefix)
//   3. Config file  (--config, or ./tcpreq.{yaml,toml,json})
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// unboundFlags control the CLI itself and never reach Config.
var unboundFlags = map[string]bool{ //nolint:gochecknoglobals
	"config":  true,
	"dry-run": true,
	"version": true,
	"help":    true,
}

// Load builds a Config from defaults, an optional config file, the
// environment and the flags in fs.  An empty file searches the working
// directory for tcpreq.* and tolerates its absence.
func Load(fs *flag.FlagSet, file string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tcpreq")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *flag.Flag) {
			if unboundFlags[f.Name] || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(FlagKey(f.Name), f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// FlagKey maps a flag name onto its config key: "tls-ca" becomes
// "tls.ca" and "idle-timeout" becomes "idle_timeout".
func FlagKey(name string) string {
	for _, section := range []string{"tls", "log"} {
		if rest, ok := strings.CutPrefix(name, section+"-"); ok {
			return section + "." + strings.ReplaceAll(rest, "-", "_")
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}
