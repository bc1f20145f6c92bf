package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seta-lab/seta/internal/api"
	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/conf"
	"github.com/seta-lab/seta/internal/observe"
	"github.com/seta-lab/seta/internal/service"
	"github.com/seta-lab/seta/mcpserver"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seta",
		Short:         "Filler-aware chat pipeline that keeps small talk away from the LLM",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newFilterCmd(),
		newMCPCmd(),
		newSendCmd(),
	)
	return root
}

// setup loads .env and configuration and builds the process logger.
func setup() (*conf.Config, zerolog.Logger, error) {
	envErr := godotenv.Load()

	cfg := conf.LoadFromEnv()
	log := observe.NewLogger(cfg.Env, cfg.LogLevel)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn().Err(envErr).Msg("Failed to read .env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, log, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every stage, the summary trigger and the ops server in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), nil, true)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run selected stages (rule, ml, prompt, generate, summary)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(stages) == 0 {
				return errors.New("--stage is required")
			}
			return runWorkers(cmd.Context(), stages, false)
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "stage(s) to run, comma separated")
	return cmd
}

func runWorkers(parent context.Context, stages []string, ingest bool) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	workers, err := a.workers(stages)
	if err != nil {
		return err
	}
	pipeline := service.NewPipeline(log, workers...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return a.serveOps(ctx, ingest) })

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("channel", cfg.Channel.Driver).
		Str("scorer", cfg.Scorer.Driver).
		Str("ops", cfg.Server.Addr).
		Msg("seta started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutting down")
	return nil
}

func newFilterCmd() *cobra.Command {
	var tone string
	cmd := &cobra.Command{
		Use:   "filter <text>",
		Short: "Run both filter stages on text and print the evaluation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			// Local evaluation never consumes; keep the channel in-process.
			cfg.Channel.Driver = "memory"

			a, err := newApp(cmd.Context(), cfg, log.Level(zerolog.WarnLevel))
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.uc.Filter.Evaluate(cmd.Context(), strings.Join(args, " "), domain.ParseTone(tone))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ev)
		},
	}
	cmd.Flags().StringVar(&tone, "tone", "neutral", "reply tone for canned responses")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the filter tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			log = log.Output(os.Stderr)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := mcpserver.Deps{
				Filter:   a.uc.Filter,
				Usage:    a.uc.Usage,
				Settings: a.repos.Store,
			}
			if cfg.Channel.Driver == "redis" {
				deps.Publisher = a.repos.Channel
			}
			log.Info().Msg("MCP server listening on stdio")
			return mcpserver.NewServer(deps, version).Run(ctx)
		},
	}
}

func newSendCmd() *cobra.Command {
	var (
		addr, room, user, tone string
	)
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Submit a message to a running ops server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(addr)
			res, err := client.Submit(cmd.Context(), api.SubmitRequest{
				RoomID: room,
				UserID: user,
				Text:   strings.Join(args, " "),
				Tone:   tone,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message submitted: trace_id=%s\n", res.TraceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "ops server base URL")
	cmd.Flags().StringVar(&room, "room", "", "room id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&tone, "tone", "", "preferred reply tone")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
