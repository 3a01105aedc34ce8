package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/careseries/internal/config"
	"github.com/ehr/careseries/internal/domain/scheduling"
	"github.com/ehr/careseries/internal/platform/holiday"
)

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Expand a series definition without storing it",
		Long: "Reads a series definition as JSON (from --file, or stdin with --file -) and prints\n" +
			"the occurrences it would produce. Holidays come from HOLIDAY_FILE and HOLIDAY_ICS_URL;\n" +
			"no existing bookings are consulted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(zerolog.WarnLevel)
			holidays, err := previewHolidays(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return runPreview(cmd.Context(), in, cmd.OutOrStdout(), format, holidays, cfg, logger)
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Definition JSON file, - for stdin")
	cmd.Flags().String("format", "table", "Output format: table, json or ics")
	return cmd
}

// previewHolidays loads the file and feed sources once; no refresher runs.
func previewHolidays(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (holiday.Union, error) {
	var union holiday.Union
	if cfg.HolidayFile != "" {
		static, err := holiday.LoadFile(cfg.HolidayFile)
		if err != nil {
			return nil, err
		}
		union = append(union, static)
	}
	if cfg.HolidayICSURL != "" {
		feed := holiday.NewICSCalendar(cfg.HolidayICSURL, cfg.HolidayICSJurisdiction, logger)
		if err := feed.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("load holiday feed: %w", err)
		}
		union = append(union, feed)
	}
	return union, nil
}

func runPreview(ctx context.Context, in io.Reader, out io.Writer, format string, holidays scheduling.HolidayCalendar, cfg *config.Config, logger zerolog.Logger) error {
	var def scheduling.Definition
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}

	store, err := scheduling.OpenSQLiteStore(ctx, ":memory:")
	if err != nil {
		return err
	}
	defer store.Close()

	svc := scheduling.NewService(store, holidays, scheduling.Options{
		MaxOccurrences:      cfg.SeriesMaxOccurrences,
		DefaultJurisdiction: cfg.SeriesDefaultJurisdiction,
		Logger:              logger,
	})
	series, res, err := svc.PreviewSeries(ctx, def)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"series":      series,
			"occurrences": res.Occurrences,
			"skipped":     res.Skipped,
		})
	case "ics":
		return scheduling.EncodeICS(out, series, res.Occurrences)
	case "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tDATE\tSTART\tEND\tNOTE")
		loc := series.Location()
		for _, o := range res.Occurrences {
			note := ""
			if o.Rescheduled {
				note = "rescheduled from " + o.NominalDate.String()
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", o.Position,
				o.StartTime.In(loc).Format("Mon 2006-01-02"),
				o.StartTime.In(loc).Format("15:04 MST"),
				o.EndTime.In(loc).Format("15:04"),
				note)
		}
		for _, s := range res.Skipped {
			fmt.Fprintf(tw, "-\t%s\t\t\tskipped (%s)\n", s.Date.Midnight().Format("Mon 2006-01-02"), s.Reason)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q: want table, json or ics", format)
}
