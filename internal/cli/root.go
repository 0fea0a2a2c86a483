// Package cli implements the qube command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/daemon"
)

var (
	configPath string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.qube/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "qube",
	Short: "Qube conversion and payout service",
	Long: `Qube records affiliate conversions, evaluates reward policies, and
settles earned rewards as ERC-20 payouts. Run 'qube serve' to start the
API server and 'qube payout' to settle unpaid conversions.`,
	SilenceUsage: true,
}

// Execute runs the CLI. A .env file in the working directory is loaded
// first so local development can supply secrets without exporting them.
func Execute() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Production config by default,
// debug level with --verbose.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func loadConfig() (daemon.Config, error) {
	return daemon.LoadConfig(configPath)
}
