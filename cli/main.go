package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/zhaobenny/callcost/cli/internal/config"
	"github.com/zhaobenny/callcost/cli/internal/output"
	"github.com/zhaobenny/callcost/cli/internal/sync"
	"github.com/zhaobenny/callcost/internal/analytics"
	"github.com/zhaobenny/callcost/internal/logger"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/parser"
	"github.com/zhaobenny/callcost/internal/pricing"
)

const version = "0.3.0"

func main() {
	if err := rootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:            "callcost",
		Usage:           "Estimate and report the cost of voice agent calls",
		Version:         version,
		HideHelpCommand: true,
		DefaultCommand:  "report",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "prices",
				Usage: "Price table YAML file (overrides the configured one)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := "warn"
			if cmd.Bool("debug") {
				level = "debug"
			}
			slog.SetDefault(logger.NewText(os.Stderr, level))
			return ctx, nil
		},
		Commands: []*cli.Command{
			reportCommand(),
			periodCommand("daily", "Show cost per day", "Date", analytics.ByDay),
			periodCommand("monthly", "Show cost per month", "Month", analytics.ByMonth),
			estimateCommand(),
			syncCommand(),
			configCommand(),
		},
	}
}

func reportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "local",
			Usage: "Read call logs from this directory instead of the server",
		},
		&cli.StringFlag{
			Name:  "since",
			Usage: "Start date filter (YYYY-MM-DD or YYYYMMDD)",
		},
		&cli.StringFlag{
			Name:  "until",
			Usage: "End date filter, inclusive (YYYY-MM-DD or YYYYMMDD)",
		},
		&cli.StringFlag{
			Name:  "timezone",
			Usage: "Timezone for dates and grouping (e.g. America/New_York)",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Output as JSON",
		},
		&cli.BoolFlag{
			Name:    "compact",
			Aliases: []string{"c"},
			Usage:   "Force compact table output",
		},
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Show totals and the cost of every call",
		Flags: append(reportFlags(), &cli.BoolFlag{
			Name:  "server-totals",
			Usage: "Show only the totals computed by the server over all stored calls",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("server-totals") {
				return serverTotals(ctx, cmd)
			}

			calls, opts, err := loadCalls(ctx, cmd)
			if err != nil {
				return err
			}
			w := cmd.Root().Writer

			if cmd.Bool("json") {
				return output.PrintJSON(w, output.NewReportJSON(calls, opts.Prices))
			}
			if len(calls) == 0 {
				fmt.Fprintln(w, "No calls found.")
				return nil
			}
			output.PrintTotals(w, analytics.Aggregate(calls, opts.Prices))
			output.PrintCalls(w, calls, opts.Prices, output.TableOptions{ForceCompact: cmd.Bool("compact")})
			return nil
		},
	}
}

// serverTotals prints the server's totals, priced at the server's price table
func serverTotals(ctx context.Context, cmd *cli.Command) error {
	cfg, err := requireRemote()
	if err != nil {
		return err
	}
	totals, err := sync.NewClient(cfg).FetchTotals(ctx)
	if err != nil {
		return fmt.Errorf("fetching totals: %w", err)
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		return output.PrintJSON(w, totals)
	}
	output.PrintTotals(w, totals)
	return nil
}

type groupFunc func([]model.CallSummary, analytics.Options) []model.AggregatedUsage

func periodCommand(name, usage, title string, group groupFunc) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: reportFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			calls, opts, err := loadCalls(ctx, cmd)
			if err != nil {
				return err
			}
			results := group(calls, opts)
			w := cmd.Root().Writer

			if cmd.Bool("json") {
				return output.PrintJSON(w, output.NewPeriodsJSON(results))
			}
			output.PrintPeriods(w, results, title, output.TableOptions{ForceCompact: cmd.Bool("compact")})
			return nil
		},
	}
}

// loadCalls reads calls from a local log directory or the server feed and
// applies the date window
func loadCalls(ctx context.Context, cmd *cli.Command) ([]model.CallSummary, analytics.Options, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, analytics.Options{}, fmt.Errorf("loading config: %w", err)
	}

	opts, err := buildOptions(cmd.String("since"), cmd.String("until"), cmd.String("timezone"))
	if err != nil {
		return nil, opts, err
	}
	if opts.Prices, err = loadPrices(cmd, cfg); err != nil {
		return nil, opts, err
	}

	var calls []model.CallSummary
	switch dir := cmd.String("local"); {
	case dir != "":
		calls, err = parser.ParseAllFiles(dir)
	case cfg.Remote():
		slog.Debug("fetching calls from server", "server", cfg.Server)
		calls, err = sync.NewClient(cfg).FetchSummaries(ctx, opts.Since, opts.Until)
	default:
		slog.Debug("no server configured, reading local call logs", "dir", cfg.CallLogDir())
		calls, err = parser.ParseAllFiles(cfg.CallLogDir())
	}
	if err != nil {
		return nil, opts, fmt.Errorf("reading calls: %w", err)
	}

	return analytics.FilterCalls(calls, opts), opts, nil
}

func loadPrices(cmd *cli.Command, cfg *config.Config) (model.PriceTable, error) {
	path := cmd.String("prices")
	if path == "" {
		path = cfg.Prices
	}
	return pricing.LoadPrices(path)
}

func buildOptions(since, until, timezone string) (analytics.Options, error) {
	var opts analytics.Options

	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return opts, fmt.Errorf("invalid timezone: %s", timezone)
		}
		loc = l
		opts.Timezone = l
	}

	if since != "" {
		t, err := parseDate(since, loc)
		if err != nil {
			return opts, fmt.Errorf("invalid --since date %q, use YYYY-MM-DD", since)
		}
		opts.Since = t
	}

	if until != "" {
		t, err := parseDate(until, loc)
		if err != nil {
			return opts, fmt.Errorf("invalid --until date %q, use YYYY-MM-DD", until)
		}
		// Include the entire day
		opts.Until = t.Add(24*time.Hour - time.Nanosecond)
	}

	return opts, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:      "estimate",
		Usage:     "Price a single usage record",
		UsageText: `callcost estimate --usage '{"duration_seconds":120,"input_tokens":1000}'` + "\n" + `callcost estimate --duration 120 --tts-chars 2000`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "usage",
				Usage: "Usage as JSON, either an object or a JSON-encoded string",
			},
			&cli.FloatFlag{Name: "duration", Usage: "Call length in seconds"},
			&cli.Int64Flag{Name: "input-tokens", Usage: "LLM prompt tokens"},
			&cli.Int64Flag{Name: "output-tokens", Usage: "LLM completion tokens"},
			&cli.Int64Flag{Name: "tts-chars", Usage: "Characters synthesized to speech"},
			&cli.StringFlag{
				Name:  "field",
				Usage: "Print only this quantity (duration_seconds, input_tokens, output_tokens, tts_characters)",
			},
			&cli.BoolFlag{Name: "json", Usage: "Output as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			prices, err := loadPrices(cmd, cfg)
			if err != nil {
				return err
			}

			usage, err := usageFromFlags(cmd)
			if err != nil {
				return err
			}
			return runEstimate(cmd.Root().Writer, usage, prices, cmd.String("field"), cmd.Bool("json"))
		},
	}
}

func usageFromFlags(cmd *cli.Command) (model.Usage, error) {
	if raw := cmd.String("usage"); raw != "" {
		var u model.Usage
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			// Not JSON at all; kept raw so it prices at zero
			return model.RawUsage(raw), nil
		}
		return u, nil
	}

	rec := model.UsageRecord{
		DurationSeconds: cmd.Float("duration"),
		InputTokens:     cmd.Int64("input-tokens"),
		OutputTokens:    cmd.Int64("output-tokens"),
		TTSCharacters:   cmd.Int64("tts-chars"),
	}
	if rec == (model.UsageRecord{}) {
		return model.Usage{}, fmt.Errorf("provide --usage or at least one of --duration, --input-tokens, --output-tokens, --tts-chars")
	}
	return model.StructuredUsage(rec), nil
}

type estimateJSON struct {
	Usage     *model.UsageRecord  `json:"usage"`
	Breakdown model.CostBreakdown `json:"breakdown"`
	Cost      float64             `json:"cost"`
}

func runEstimate(w io.Writer, usage model.Usage, prices model.PriceTable, field string, asJSON bool) error {
	if field != "" {
		f := model.UsageField(field)
		switch f {
		case model.FieldDurationSeconds, model.FieldInputTokens, model.FieldOutputTokens, model.FieldTTSCharacters:
		default:
			return fmt.Errorf("unknown field %q", field)
		}
		fmt.Fprintln(w, pricing.ExtractUsageField(usage, f))
		return nil
	}

	rec, ok := usage.Normalize()
	breakdown := pricing.Breakdown(rec, prices)

	if asJSON {
		out := estimateJSON{Breakdown: breakdown, Cost: pricing.EstimateCost(usage, prices)}
		if ok {
			out.Usage = &rec
		}
		return output.PrintJSON(w, out)
	}

	if !ok {
		fmt.Fprintln(w, "Usage could not be parsed; it is priced at $0.")
	}
	output.PrintBreakdown(w, rec, breakdown)
	return nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configure the server, API key and call log location",
		UsageText: "callcost config --server https://example.com --api-key callcost_xxx\n" +
			"callcost config --show",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL"},
			&cli.StringFlag{Name: "api-key", Usage: "API key for authentication"},
			&cli.StringFlag{Name: "log-dir", Usage: "Directory the voice agent writes call logs to"},
			&cli.StringFlag{Name: "price-file", Usage: "Price table YAML file used by default"},
			&cli.BoolFlag{Name: "show", Usage: "Show current configuration"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if cmd.Bool("show") {
				showConfig(w, cfg)
				return nil
			}

			changed := false
			for flag, dst := range map[string]*string{
				"server":     &cfg.Server,
				"api-key":    &cfg.APIKey,
				"log-dir":    &cfg.LogDir,
				"price-file": &cfg.Prices,
			} {
				if cmd.IsSet(flag) {
					*dst = cmd.String(flag)
					changed = true
				}
			}
			if !changed {
				return cli.ShowSubcommandHelp(cmd)
			}

			if cfg.Prices != "" {
				if _, err := pricing.LoadPrices(cfg.Prices); err != nil {
					return err
				}
			}

			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintln(w, "Configuration saved.")
			return nil
		},
	}
}

func showConfig(w io.Writer, cfg *config.Config) {
	if cfg.Server == "" {
		fmt.Fprintln(w, "No server configured. Run 'callcost config --server <url> --api-key <key>' to configure.")
	} else {
		fmt.Fprintf(w, "Server: %s\n", cfg.Server)
		fmt.Fprintf(w, "API Key: %s\n", cfg.MaskedAPIKey())
	}
	if cfg.ClientID != "" {
		fmt.Fprintf(w, "Client ID: %s\n", cfg.ClientID)
	}
	fmt.Fprintf(w, "Call logs: %s\n", cfg.CallLogDir())
	if cfg.Prices != "" {
		fmt.Fprintf(w, "Prices: %s\n", cfg.Prices)
	} else {
		fmt.Fprintln(w, "Prices: built-in defaults")
	}
}
