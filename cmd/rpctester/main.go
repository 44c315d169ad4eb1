// Command rpctester replays a scripted list of RPC calls against many
// concurrent connections to one or more blockchain endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/rpctester/internal/chain/evm"
	"github.com/gateway-fm/rpctester/internal/config"
	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/internal/tester"
)

// Set by the linker.
var version = "dev"

const (
	flagListen    = "listen"
	flagCORS      = "cors-origins"
	flagDatabase  = "database"
	flagNoColor   = "no-color"
	flagLive      = "live"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// errFailures makes the process exit non-zero without printing again.
var errFailures = errors.New("some connections failed")

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	root := newRootCmd(settings)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errFailures) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd(settings *config.Settings) *cobra.Command {
	root := &cobra.Command{
		Use:           "rpctester",
		Short:         "Scriptable load and behavior tester for blockchain RPC endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagLogLevel, settings.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().String(flagLogFormat, settings.LogFormat, "log format (text, json)")

	root.AddCommand(newRunCmd(settings), newValidateCmd(settings), newVersionCmd())
	return root
}

// logger applies the log flags on top of the environment settings.
func logger(cmd *cobra.Command, settings *config.Settings) (*slog.Logger, error) {
	s := *settings
	s.LogLevel, _ = cmd.Flags().GetString(flagLogLevel)
	s.LogFormat, _ = cmd.Flags().GetString(flagLogFormat)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s.NewLogger(os.Stderr), nil
}

func newRunCmd(settings *config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config-path>",
		Short: "Connect to every endpoint and replay the script on each connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger(cmd, settings)
			if err != nil {
				return err
			}
			listen, _ := cmd.Flags().GetString(flagListen)
			corsOrigins, _ := cmd.Flags().GetString(flagCORS)
			dbPath, _ := cmd.Flags().GetString(flagDatabase)
			noColor, _ := cmd.Flags().GetBool(flagNoColor)
			live, _ := cmd.Flags().GetBool(flagLive)

			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := tester.Options{
				ConfigPath:  args[0],
				Config:      cfg,
				Dialer:      evm.NewDialer(evm.Config{Logger: log}),
				Out:         cmd.OutOrStdout(),
				NoColor:     noColor,
				Live:        live,
				CORSOrigins: corsOrigins,
				Logger:      log,
			}

			if dbPath != "" {
				store, err := storage.NewSQLiteStorage(dbPath)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer store.Close()
				log.Info("Recording run history", slog.String("path", dbPath))
				opts.Store = store
			}

			if listen != "" {
				ln, err := net.Listen("tcp", listen)
				if err != nil {
					return fmt.Errorf("listen: %w", err)
				}
				opts.Listen = ln
			}

			sum, err := tester.Run(ctx, opts)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					log.Warn("Run interrupted")
				}
				return err
			}
			if sum.RunID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nrun id: %s\n", sum.RunID)
			}
			if sum.Failed > 0 || len(sum.Failures) > 0 {
				return errFailures
			}
			return nil
		},
	}

	cmd.Flags().String(flagListen, settings.ListenAddr, "serve status, metrics and live events on this address")
	cmd.Flags().String(flagCORS, settings.CORSAllowedOrigins, "comma-separated origins allowed on the HTTP API (default all)")
	cmd.Flags().String(flagDatabase, settings.DatabasePath, "record the run to this SQLite database")
	cmd.Flags().Bool(flagNoColor, settings.NoColor, "disable colored output")
	cmd.Flags().Bool(flagLive, false, "print every entry result as it completes")
	return cmd
}

func newValidateCmd(settings *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-path>",
		Short: "Check a config file without connecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := logger(cmd, settings); err != nil {
				return err
			}
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			fmt.Fprintf(out, "  endpoints:   %d\n", len(cfg.EndPoints))
			fmt.Fprintf(out, "  connections: %d per endpoint (%d total)\n", cfg.Connections, cfg.Attempts())
			fmt.Fprintf(out, "  entries:     %d\n", len(cfg.Entries))
			fmt.Fprintf(out, "  writeTxWait: %s\n", cfg.WaitPolicy)
			for _, e := range cfg.Entries {
				fmt.Fprintf(out, "    %s %s\n", e.Kind, e)
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
