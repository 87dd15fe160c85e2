// Command geosplit splits GeoParquet datasets into per-partition geometry
// and attribute files.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tingold/geosplit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		target       string
		output       string
		list         bool
		format       string
		onParseError string
		crsName      string
		workers      int
		unassigned   bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "geosplit INPUT_DIR",
		Short: "Split a GeoParquet dataset into per-partition geometry and attribute files",
		Long: `geosplit reads the parquet files in INPUT_DIR, discovers the distinct
partition keys (counties) in the main file, and writes one geometry file
and one attributes file per partition, joined by the shared parcel
identifier. Geometry files carry standards-compliant GeoParquet metadata:
WKB encoding, CRS, bounding box and the geometry types actually present.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			opts := geosplit.DefaultOptions()
			opts.Logger = logger
			opts.Workers = workers
			opts.IncludeUnassigned = unassigned

			switch format {
			case "parquet":
				opts.Format = geosplit.FormatGeoParquet
			case "fgb":
				opts.Format = geosplit.FormatFlatGeobuf
			default:
				return fmt.Errorf("unknown --format %q, want parquet or fgb", format)
			}

			switch onParseError {
			case "skip":
				opts.OnParseError = geosplit.PolicySkip
			case "abort":
				opts.OnParseError = geosplit.PolicyAbort
			default:
				return fmt.Errorf("unknown --on-parse-error %q, want skip or abort", onParseError)
			}

			if crsName != "" {
				crs, err := geosplit.ParseCRS(crsName)
				if err != nil {
					return err
				}
				opts.FallbackCRS = crs
			}

			splitter := geosplit.New(args[0], output, target, opts)

			if list {
				counts, err := splitter.ListPartitions(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println("Available partitions:")
				for _, pc := range counts {
					fmt.Printf("  - %-20s %10s records\n", pc.Key, humanize.Comma(pc.Rows))
				}
				return nil
			}

			summary, err := splitter.Run(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("split complete",
				slog.Int64("written", summary.TotalWritten()),
				slog.Int64("skipped", summary.TotalSkipped()),
				slog.String("output", output))
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "partition", "p", "", "split only this partition key (e.g. a county name)")
	cmd.Flags().StringVarP(&output, "output", "o", "output_by_county", "output directory")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list available partitions and exit")
	cmd.Flags().StringVar(&format, "format", "parquet", "geometry file format: parquet or fgb")
	cmd.Flags().StringVar(&onParseError, "on-parse-error", "skip", "unreadable geometry policy: skip or abort")
	cmd.Flags().StringVar(&crsName, "crs", "", "fallback CRS when the source declares none (default EPSG:4326)")
	cmd.Flags().IntVar(&workers, "workers", 1, "partitions processed concurrently")
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "route rows with a null partition key to an 'unassigned' bucket")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}
