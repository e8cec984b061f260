package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nstogner/buildfy/pkg/config"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/run"
	"github.com/nstogner/buildfy/pkg/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "buildfy",
		Short:         "Build web apps from natural-language prompts in sandboxes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BUILDFY_CONFIG"), "path to a YAML config file")

	// withApp loads config, installs the logger and wires the components
	// for a subcommand.
	withApp := func(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level, _ := cfg.Level()
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a, args)
		}
	}

	root.AddCommand(newServeCmd(withApp))
	root.AddCommand(newRunCmd(withApp))
	root.AddCommand(newProjectCmd(withApp))
	root.AddCommand(newSandboxCmd(withApp))
	return root
}

type appFunc = func(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error

func newServeCmd(withApp appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and run dispatcher",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			a.startReaper(ctx)

			dispatcher := run.NewDispatcher(a.coord, a.cfg.RunConcurrency, 0)
			dispatcher.OnOutcome = func(req run.Request, out *run.Outcome, err error) {
				if err != nil {
					slog.Error("Run failed", "runID", req.RunID, "error", err)
					return
				}
				slog.Info("Run finished", "runID", req.RunID, "status", out.Status, "iterations", out.Iterations)
			}
			go func() {
				if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Run dispatcher stopped", "error", err)
				}
			}()

			srv := server.New(a.store, a.coord, dispatcher, a.registry)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(a.cfg.HTTPAddr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			slog.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}),
	}
}

func newRunCmd(withApp appFunc) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "run --project <id> <prompt>",
		Short: "Execute one run and print the outcome as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			out, err := a.coord.Execute(ctx, run.Request{ProjectID: projectID, Prompt: args[0]})
			if err != nil {
				return err
			}
			return printJSON(out)
		}),
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.MarkFlagRequired("project")
	return cmd
}

func newProjectCmd(withApp appFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p := &domain.Project{ID: uuid.NewString(), Name: args[0]}
			if err := a.store.CreateProject(ctx, p); err != nil {
				return err
			}
			return printJSON(p)
		}),
	})
	return cmd
}

func newSandboxCmd(withApp appFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect and recover sandboxes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <sandboxID>...",
		Short: "Health-check sandboxes",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			results, err := a.sandboxes.HealthCheck(ctx, args)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%s\t%s\n", r.SandboxID, r.Status)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart <fragmentID>",
		Short: "Recreate a fragment's sandbox from its stored files",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			f, err := a.coord.RestartSandbox(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(f.SandboxURL)
			return nil
		}),
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
