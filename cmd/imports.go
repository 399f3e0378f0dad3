package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	ratebookFile    string
	competitorsFile string
)

var ratebookCmd = &cobra.Command{
	Use:   "ratebook",
	Short: "Manage tenant ratebooks",
}

var ratebookImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace a tenant's ratebook from a YAML or XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		data, err := env.Quotes.ImportRatebook(cmd.Context(), tenantID, ratebookFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported ratebook for %s: %d zones, %d property types, %d discount rules, %d approval rules\n",
			tenantID, len(data.Zones), len(data.PropertyTypes), len(data.DiscountRules), len(data.ApprovalRules))
		return nil
	},
}

var competitorsCmd = &cobra.Command{
	Use:   "competitors",
	Short: "Manage competitor pricing data",
}

var competitorsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Load competitor prices from a CSV file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}

		f, err := os.Open(competitorsFile)
		if err != nil {
			return eris.Wrapf(err, "open %s", competitorsFile)
		}
		defer f.Close() //nolint:errcheck

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Quotes.ImportCompetitors(cmd.Context(), tenantID, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d competitor prices for %s\n", n, tenantID)
		return nil
	},
}

func requireTenant() error {
	if tenantID == "" {
		return eris.New("--tenant is required")
	}
	return nil
}

func init() {
	ratebookImportCmd.Flags().StringVar(&ratebookFile, "file", "", "ratebook file (.yaml, .yml or .xlsx)")
	_ = ratebookImportCmd.MarkFlagRequired("file")
	ratebookCmd.AddCommand(ratebookImportCmd)
	rootCmd.AddCommand(ratebookCmd)

	competitorsImportCmd.Flags().StringVar(&competitorsFile, "file", "", "competitor pricing CSV")
	_ = competitorsImportCmd.MarkFlagRequired("file")
	competitorsCmd.AddCommand(competitorsImportCmd)
	rootCmd.AddCommand(competitorsCmd)
}
