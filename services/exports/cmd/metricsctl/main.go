package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"metricsd/internal/config"
	"metricsd/pkg/bus"
	"metricsd/pkg/render"
	gos3 "metricsd/pkg/s3"
	"metricsd/services/artifacts"
	"metricsd/services/athena"
	"metricsd/services/excel"
	"metricsd/services/exports"
	"metricsd/services/query"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "metricsctl",
		Short:         "Build, run and convert metricsd exports from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSQLCommand())
	cmd.AddCommand(newQueryCommand())
	cmd.AddCommand(newConvertCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func parseFilter(raw string) (query.Filter, error) {
	if raw == "" {
		return query.Filter{}, nil
	}
	var filter query.Filter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return filter, nil
}

func newSQLCommand() *cobra.Command {
	var (
		filterJSON  string
		mappingFile string
	)

	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Print the SQL a filter renders to",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(filterJSON)
			if err != nil {
				return err
			}
			builder, err := newBuilder(mappingFile)
			if err != nil {
				return err
			}
			sql, err := builder.Build(filter)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sql)
			return err
		},
	}

	cmd.Flags().StringVar(&filterJSON, "filter", "", `Filter as JSON, e.g. {"type":["Feature"]}`)
	cmd.Flags().StringVar(&mappingFile, "mapping", "", "Optional YAML query mapping overriding the built-in one")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		filterJSON string
		output     string
		preview    bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a filtered query and write the spreadsheet, or print inline rows with --preview",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := parseFilter(filterJSON)
			if err != nil {
				return err
			}
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			svc, err := newService(ctx, cfg)
			if err != nil {
				return err
			}

			if preview {
				rows, status, err := svc.Preview(ctx, filter)
				if err != nil {
					return err
				}
				if status == exports.StatusPending {
					return errors.New("query is still running")
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			if output == "" {
				return errors.New("--output is required unless --preview is set")
			}
			outcome, err := svc.RunAndMaterialize(ctx, filter)
			if err != nil {
				return err
			}
			if outcome.Status == exports.StatusPending {
				return errors.New("query is still running")
			}
			content, ok := svc.FetchArtifact(outcome.Download.FileID)
			if !ok {
				return errors.New("export expired before it could be written")
			}
			if err := os.WriteFile(output, content, 0o644); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(content))
			return err
		},
	}

	cmd.Flags().StringVar(&filterJSON, "filter", "", "Filter as JSON")
	cmd.Flags().StringVar(&output, "output", "", "Destination .xlsx file")
	cmd.Flags().BoolVar(&preview, "preview", false, "Print the rows returned inline instead of exporting")
	return cmd
}

func newConvertCommand() *cobra.Command {
	var (
		input  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a CSV result file into a styled spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			content, err := excel.NewConverter().FromCSV(r)
			if err != nil {
				return err
			}
			return os.WriteFile(output, content, 0o644)
		},
	}

	cmd.Flags().StringVar(&input, "input", "-", "CSV file to convert, - for stdin")
	cmd.Flags().StringVar(&output, "output", "", "Destination .xlsx file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		natsURL string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow export lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, "metricsd.exports.>", durable, func(_ context.Context, data []byte) error {
				_, err := fmt.Fprintln(out, string(data))
				return err
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", os.Getenv("NATS_URL"), "NATS server URL")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty follows new events only")
	return cmd
}

func newBuilder(mappingFile string) (*query.Builder, error) {
	renderer, err := render.New()
	if err != nil {
		return nil, err
	}
	mapping, err := query.LoadMapping(mappingFile)
	if err != nil {
		return nil, err
	}
	return query.NewBuilder(renderer, mapping)
}

func newService(ctx context.Context, cfg config.Config) (*exports.Service, error) {
	s3Client, err := gos3.NewClient(ctx, gos3.Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		SessionToken:   cfg.S3.SessionToken,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		Timeout:        cfg.S3.Timeout,
	})
	if err != nil {
		return nil, err
	}
	engine, err := athena.NewClient(athena.Config{
		Endpoint: cfg.Athena.MCPURL,
		APIToken: cfg.Athena.MCPToken,
		Timeout:  cfg.Athena.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	results, err := athena.NewResultBucket(s3Client, cfg.Athena.ResultsBucket, cfg.Athena.ResultsPrefix)
	if err != nil {
		return nil, err
	}
	builder, err := newBuilder(cfg.Exports.MappingFile)
	if err != nil {
		return nil, err
	}

	return exports.New(exports.Config{
		TTL:          cfg.Exports.TTL,
		MaxRows:      cfg.Athena.MaxRows,
		QueryTimeout: cfg.Athena.QueryTimeout,
		FetchTimeout: cfg.Exports.FetchTimeout,
		FileName:     cfg.Exports.FileName,
	}, exports.Deps{
		Builder:   builder,
		Engine:    engine,
		Storage:   results,
		Converter: excel.NewConverter(),
		Cache:     artifacts.New(),
		Logger:    zerolog.New(os.Stderr).With().Timestamp().Logger(),
	})
}
