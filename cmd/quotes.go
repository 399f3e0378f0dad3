package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fencepro/scheduling-core/internal/model"
)

var (
	quoteFile    string
	archiveDate  string
	routeCluster string
	locateLimit  int
)

var quotesCmd = &cobra.Command{
	Use:   "quotes",
	Short: "Price quotes and run the quote maintenance sweeps",
}

var quotesPriceCmd = &cobra.Command{
	Use:   "price",
	Short: "Price a quote request read from a JSON file (- for stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}

		req, err := readQuoteRequest(cmd, quoteFile)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Quotes.PriceQuote(cmd.Context(), tenantID, req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var quotesExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending quotes older than quote.expiry_days",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Quotes.ExpireQuotes(cmd.Context(), tenantID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d quotes\n", n)
		return nil
	},
}

var quotesGeocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Batch geocode pending quotes stored with an address but no coordinates",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Quotes.LocateQuotes(cmd.Context(), tenantID, locateLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "located %d of %d quotes (%d unmatched)\n", res.Located, res.Scanned, res.Unmatched)
		return nil
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Pricing approval maintenance",
}

var approvalsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending approvals past their deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Gate.ExpireStale(cmd.Context(), tenantID, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d approvals\n", n)
		return nil
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Job cluster maintenance and routing",
}

var clustersArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive clusters whose service date has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		today := time.Now().UTC()
		if archiveDate != "" {
			d, err := time.Parse(time.DateOnly, archiveDate)
			if err != nil {
				return eris.Wrapf(err, "parse --before %q", archiveDate)
			}
			today = d
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Scheduler.ArchivePast(cmd.Context(), tenantID, today)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d clusters\n", n)
		return nil
	},
}

var clustersRouteCmd = &cobra.Command{
	Use:   "route",
	Short: "Compute the visiting order for a cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		route, err := env.Scheduler.OptimizeRoute(cmd.Context(), tenantID, routeCluster)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), route)
	},
}

func readQuoteRequest(cmd *cobra.Command, path string) (model.QuoteRequest, error) {
	var req model.QuoteRequest
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return req, eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, eris.Wrap(err, "decode quote request")
	}
	return req, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	quotesPriceCmd.Flags().StringVar(&quoteFile, "file", "-", "quote request JSON file")
	quotesGeocodeCmd.Flags().IntVar(&locateLimit, "limit", 100, "maximum quotes per batch")
	quotesCmd.AddCommand(quotesPriceCmd, quotesExpireCmd, quotesGeocodeCmd)
	rootCmd.AddCommand(quotesCmd)

	approvalsCmd.AddCommand(approvalsExpireCmd)
	rootCmd.AddCommand(approvalsCmd)

	clustersArchiveCmd.Flags().StringVar(&archiveDate, "before", "", "archive clusters dated before this day (YYYY-MM-DD, default today)")
	clustersRouteCmd.Flags().StringVar(&routeCluster, "id", "", "cluster id")
	_ = clustersRouteCmd.MarkFlagRequired("id")
	clustersCmd.AddCommand(clustersArchiveCmd, clustersRouteCmd)
	rootCmd.AddCommand(clustersCmd)
}
