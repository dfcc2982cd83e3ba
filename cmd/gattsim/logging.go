package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/pkg/config"
)

// loadConfig builds the run configuration from the global flags.
// Without --log-level the logger stays silent so it does not mix with command output.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	switch logLevelStr {
	case "":
	case "debug":
		cfg.LogLevel = logrus.DebugLevel
	case "info":
		cfg.LogLevel = logrus.InfoLevel
	case "warn":
		cfg.LogLevel = logrus.WarnLevel
	case "error":
		cfg.LogLevel = logrus.ErrorLevel
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
	}

	if mtu, _ := cmd.Flags().GetInt("mtu"); mtu != 0 {
		cfg.MTU = mtu
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.RequestTimeout = timeout
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		cfg.OutputFormat = "json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}
