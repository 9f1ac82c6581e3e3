// Command smart-launch runs the SMART on FHIR standalone patient launch
// client: as an HTTP host, or as one-shot launch and search commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wrale/smart-launch/internal/presenter"
)

// Version is set by the build process
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "smart-launch",
		Short:        "SMART on FHIR standalone patient launch client",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(orgsCmd())
	return rootCmd
}

// setup loads the configuration and wires the app
func setup(ctx context.Context, stderr io.Writer, opener func(cfg Config) presenter.Opener) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	if opener == nil {
		return newApp(ctx, cfg, logger, presenter.LogOpener(logger))
	}
	return newApp(ctx, cfg, logger, opener(cfg))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the launch host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := newServer(ctx, a)
			if err != nil {
				return err
			}
			return srv.listenAndServe(ctx)
		},
	}
}

func launchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <iss>",
		Short: "Run one launch and print the resulting state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, cmd.ErrOrStderr(), func(Config) presenter.Opener {
				return presenter.PrintOpener(cmd.ErrOrStderr())
			})
			if err != nil {
				return err
			}
			defer a.Close()

			// The host receives loopback redirects while the flow waits
			srv, err := newServer(ctx, a)
			if err != nil {
				return err
			}
			serveCtx, stopServer := context.WithCancel(ctx)
			served := make(chan error, 1)
			go func() { served <- srv.listenAndServe(serveCtx) }()

			a.orch.StartFlow(ctx, strings.TrimSpace(args[0]))

			stopServer()
			if err := <-served; err != nil {
				a.logger.Warn().Err(err).Msg("callback host stopped")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(a.orch.Snapshot()); err != nil {
				return fmt.Errorf("encoding state: %w", err)
			}
			return a.orch.Err()
		},
	}
}

func orgsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orgs <query>",
		Short: "Search organizations and print their issuers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			matches, err := a.orch.SearchOrganizations(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tISS")
			for _, m := range matches {
				iss := m.ResolvedIss()
				if iss == "" {
					iss = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\n", m.DisplayName(), iss)
			}
			return tw.Flush()
		},
	}
}
