package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tldr-bot/internal/adapter/httpapi"
	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tldr",
		Short: "Summarize chat threads and stream the summary into Slack",
		Long: `tldr reads recent channel history, asks an LLM for a summary and
streams it into a live Slack message, falling back to an edit or a fresh
post when streaming breaks.

Environment variables prefixed with TLDR_ override the config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "config file path")

	root.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newRunCmd(opts),
		newStatsCmd(opts),
		newPruneCmd(opts),
		newEncryptCmd(),
		newCheckConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads and validates the config; withCredentials also demands
// the Slack and OpenAI secrets.
func loadConfig(path string, withCredentials bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	if withCredentials {
		if err := config.RequireCredentials(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		}
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP task API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if cfg.Server.APIToken == "" {
				a.logger.Warn("server.api_token is empty; the task API accepts unauthenticated requests")
			}

			srv, err := httpapi.NewServer(cfg.Server, a.apiDeps())
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.startBackground(gctx) })
			g.Go(func() error { return srv.Start(gctx) })
			return g.Wait()
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Read summary tasks as JSON lines and run them",
		Long: `worker reads one JSON task per line from stdin (or --input) and runs
each through the worker pool. It exits after the input is drained and every
task has finished.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			g, gctx := errgroup.WithContext(ctx)
			bgCtx, stopBackground := context.WithCancel(gctx)
			g.Go(func() error { return a.startBackground(bgCtx) })
			g.Go(func() error {
				defer stopBackground()
				return readTasks(gctx, in, a.logger, func(task domain.SummaryTask) error {
					return a.pool.Submit(gctx, task)
				})
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "JSON lines file with tasks (- for stdin)")
	return cmd
}

// readTasks decodes one task per non-blank line and hands it to submit.
// Malformed lines are logged and skipped.
func readTasks(ctx context.Context, r io.Reader, logger *slog.Logger, submit func(domain.SummaryTask) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		task, err := decodeTask([]byte(text))
		if err != nil {
			logger.Warn("skipping task line", "line", line, "error", err)
			continue
		}
		if err := submit(task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	return nil
}

func decodeTask(raw []byte) (domain.SummaryTask, error) {
	var task domain.SummaryTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if err := task.Validate(); err != nil {
		return task, err
	}
	return task, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task.json>",
		Short: "Run a single summary task and wait for its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read task: %w", err)
			}
			task, err := decodeTask(raw)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			outcome, err := a.pool.Run(ctx, task)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", task.CorrelationID, outcome)
			return err
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print delivery ledger counts by outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, false)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg.Ledger)
			if err != nil {
				return err
			}
			defer l.Close()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete ledger rows older than the configured retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, false)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg.Ledger)
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.Prune(cmd.Context(), cfg.Ledger.Retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rows\n", n)
			return nil
		},
	}
}

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret for the config file using TLDR_CONFIG_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("TLDR_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("TLDR_CONFIG_KEY must be set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrEncryption, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(opts.configPath, true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tldr %s\n", version)
		},
	}
}
