package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/config"
)

var (
	cfg      *config.Config
	tenantID string
)

var rootCmd = &cobra.Command{
	Use:   "fencepro",
	Short: "Fence installation pricing and route scheduling",
	Long:  "Prices fence installation quotes from per-tenant ratebooks, clusters jobs into daily routes with scheduling discounts, and gates unusual prices behind approval workflows.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (sweeps cover every tenant when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
