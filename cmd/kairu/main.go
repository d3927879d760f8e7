package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kairu-assistant/internal/config"
	"kairu-assistant/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath  string
	verbose     bool
	noWorkspace bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "kairu",
		Short:         "Kairu drives a web page from natural-language instructions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file layered over the workspace config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&opts.noWorkspace, "no-workspace", false, "ignore .kairu/config.yaml")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newToggleCmd(opts),
		newSetKeyCmd(opts),
		newHistoryCmd(opts),
		newClearCmd(opts),
		newInitCmd(),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, _, err := config.LoadWithWorkspace(o.configPath, config.WorkspaceOptions{Disable: o.noWorkspace})
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// run loads config, builds the logger and app, and hands them to fn.
func (o *rootOptions) run(cmd *cobra.Command, console zapcore.WriteSyncer, mutate func(*config.Config), fn func(context.Context, *app) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	log, err := logging.New(cfg, logging.Options{Console: console, Verbose: o.verbose})
	if err != nil {
		return err
	}
	defer logging.Sync(log)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var ssePort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server (stdio unless an SSE port is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			// stdout carries the protocol in stdio mode; logs go to the file only.
			var console zapcore.WriteSyncer
			if cfg.MCP.SSEPort > 0 {
				console = zapcore.Lock(os.Stderr)
			}
			return opts.run(cmd, console, func(c *config.Config) { c.MCP.SSEPort = cfg.MCP.SSEPort }, func(ctx context.Context, a *app) error {
				if a.cfg.Browser.AutoStart {
					if err := a.startBrowser(ctx, ""); err != nil {
						a.log.Warn("browser auto-start failed; use launch-browser later", zap.Error(err))
					}
				} else {
					a.log.Info("browser auto-start disabled; use MCP tools to launch later")
				}

				var startErr error
				if a.cfg.MCP.SSEPort > 0 {
					a.log.Info("starting MCP SSE server", zap.Int("port", a.cfg.MCP.SSEPort))
					startErr = a.server.StartSSE(ctx, a.cfg.MCP.SSEPort)
				} else {
					a.log.Info("starting MCP stdio server")
					startErr = a.server.Start(ctx)
				}
				if startErr != nil && !errors.Is(startErr, context.Canceled) {
					return fmt.Errorf("server exited with error: %w", startErr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve over SSE on this port")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var url string
	var raw bool
	cmd := &cobra.Command{
		Use:   "ask <instruction>",
		Short: "Open a page and run one instruction against it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := strings.Join(args, " ")
			return opts.run(cmd, zapcore.Lock(os.Stderr), nil, func(ctx context.Context, a *app) error {
				if err := a.startBrowser(ctx, url); err != nil {
					return fmt.Errorf("start browser: %w", err)
				}
				if _, err := a.server.ExecuteTool(ctx, "kairu-toggle", map[string]interface{}{"enabled": true}); err != nil {
					return err
				}
				res, err := a.server.ExecuteTool(ctx, "kairu-submit", map[string]interface{}{
					"instruction": instruction,
					"include_raw": raw,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to open (default: browser.start_url)")
	cmd.Flags().BoolVar(&raw, "raw", false, "include the raw model output")
	return cmd
}

func newToggleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "toggle on|off",
		Short:     "Persist the assistant's enabled flag",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, zapcore.Lock(os.Stderr), nil, func(ctx context.Context, a *app) error {
				res, err := a.server.ExecuteTool(ctx, "kairu-toggle", map[string]interface{}{"enabled": args[0] == "on"})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newSetKeyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <key>",
		Short: "Store the model API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, zapcore.Lock(os.Stderr), nil, func(ctx context.Context, a *app) error {
				if _, err := a.server.ExecuteTool(ctx, "kairu-save-api-key", map[string]interface{}{"api_key": args[0]}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key saved")
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var chat bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, zapcore.Lock(os.Stderr), nil, func(ctx context.Context, a *app) error {
				res, err := a.server.ExecuteTool(ctx, "kairu-history", map[string]interface{}{
					"limit":        limit,
					"include_chat": chat,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "only the most recent N turns")
	cmd.Flags().BoolVar(&chat, "chat", false, "include the chat transcript")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Reset conversation, chat and execution log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, zapcore.Lock(os.Stderr), nil, func(ctx context.Context, a *app) error {
				if _, err := a.server.ExecuteTool(ctx, "kairu-clear", nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Conversation cleared")
				return nil
			})
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .kairu workspace with a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/%s\n", root, config.WorkspaceDirName)
			return nil
		},
	}
}
