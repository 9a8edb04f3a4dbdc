// Package cli holds the collector's cobra commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/you-humble/datacollector/internal/app"
	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/infra/config"
	"github.com/you-humble/datacollector/internal/infra/events"
	natsq "github.com/you-humble/datacollector/internal/libs/nats"
	"github.com/you-humble/datacollector/internal/orchestrator"
	"github.com/you-humble/datacollector/internal/pathres"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the collector command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Dataset collection and download service",
		Long: `collector downloads datasets from provider buckets into configured
storage locations, tracks every download as a persisted task and serves
an HTTP API to create, start, pause and inspect tasks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvPath),
		"config file path (env "+config.EnvPath+")")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newTestConnectionCmd(&configPath),
		newResolveCmd(&configPath),
		newWatchCmd(&configPath),
	)

	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the download engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app.New(cmd.Context(), *configPath)
			return a.Run(cmd.Context())
		},
	}
}

func newTestConnectionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <location-id>",
		Short: "Check that a storage location is reachable and writable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			loc, ok := cfg.Location(args[0])
			if !ok {
				return fmt.Errorf("storage location %q not found: %w", args[0], domain.ErrConfiguration)
			}

			res := orchestrator.DefaultConnectionChecker(cmd.Context(), loc)
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			if !res.Success {
				return errors.New("connection test failed")
			}
			return nil
		},
	}
}

func newResolveCmd(configPath *string) *cobra.Command {
	var (
		provider  string
		datasetID string
		version   string
	)

	cmd := &cobra.Command{
		Use:   "resolve [identifier]",
		Short: "Print the download path and source prefix of a dataset",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			var identifier string
			if len(args) == 1 {
				identifier = args[0]
			}
			return resolve(cmd.OutOrStdout(), pathres.NewRegistry(cfg.Providers...), provider, identifier, datasetID, version)
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "openneuro", "dataset provider")
	cmd.Flags().StringVar(&datasetID, "id", "", "dataset id, used when the identifier is empty")
	cmd.Flags().StringVar(&version, "version", "", "dataset version")

	return cmd
}

func resolve(w io.Writer, reg *pathres.Registry, provider, identifier, datasetID, version string) error {
	if identifier == "" && datasetID == "" {
		return errors.New("either an identifier or --id is required")
	}

	p, err := reg.Lookup(provider)
	if err != nil {
		return err
	}

	downloadPath := pathres.ResolveDownloadPath(identifier, datasetID, version, p)
	fmt.Fprintf(w, "download path: %s\n", downloadPath)
	fmt.Fprintf(w, "source:        s3://%s/%s/\n", p.Bucket, pathres.ResolveSourcePrefix(p, downloadPath))
	return nil
}

func newWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow progress events published by a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.NATS.Enabled() {
				return fmt.Errorf("nats.url is not set: %w", domain.ErrConfiguration)
			}

			nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
				Name:          cfg.NATS.Name + "-watch",
				MaxReconnects: cfg.NATS.MaxReconnects,
			})
			if err != nil {
				return err
			}
			defer nc.Close()

			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			out := cmd.OutOrStdout()
			return events.Listen(cmd.Context(), nc, cfg.NATS.ProgressSubject, taskID,
				func(p domain.DownloadProgress) { printProgress(out, p) })
		},
	}
}

func printProgress(w io.Writer, p domain.DownloadProgress) {
	line := fmt.Sprintf("%s %-11s %3d%% %d/%d files %d/%d bytes",
		p.TaskID, p.Status, p.Progress,
		p.CompletedFiles, p.TotalFiles,
		p.DownloadedSize, p.TotalSize,
	)
	switch {
	case p.Error != "":
		line += " error: " + p.Error
	case p.CurrentFile != "":
		line += " " + p.CurrentFile
	}
	fmt.Fprintln(w, line)
}
