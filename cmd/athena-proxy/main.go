// Command athena-proxy is a multi-tenant caching reverse proxy in front of
// the xylex data backends.
package main

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/xylex/athena-proxy/pkg/logging"
)

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "athena-proxy",
	Short: "Multi-tenant caching reverse proxy",
	Long: `athena-proxy routes requests to a backend chosen from the Host header,
strips the /rest/v1 prefix, mirrors bearer credentials as apikey and caches
every backend response for a fixed TTL.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logging.Config{
			Level:  logging.LogLevel(logLevel),
			Pretty: logPretty,
			Output: os.Stderr,
		})
	},
}

func init() {
	envLog := logging.ConfigFromEnv()
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", string(envLog.Level), "Log level (debug, info, warn, error) [LOG_LEVEL]")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", envLog.Pretty, "Human-readable console logs [LOG_PRETTY]")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
