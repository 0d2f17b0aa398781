package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lk2023060901/altpool-go/application"
	"github.com/lk2023060901/altpool-go/internal/store"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "altpool",
		Short:         "Keep a fixed pool of game client sessions connected across two servers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml, env ALTPOOL_CONFIG_FILE_PATH)")

	newApp := func() *application.Application {
		return application.New(application.WithConfigPath(configPath))
	}
	rootCmd.AddCommand(
		newRunCmd(newApp),
		newSlotsCmd(newApp),
		newVersionCmd(),
	)
	return rootCmd
}

func newRunCmd(newApp func() *application.Application) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pool and run until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return newApp().Run(ctx)
		},
	}
}

func newSlotsCmd(newApp func() *application.Application) *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Print the persisted slot table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			slots, err := newApp().Slots(ctx)
			if err != nil {
				return err
			}
			return writeSlots(cmd, slots)
		},
	}
}

func writeSlots(cmd *cobra.Command, slots []store.Slot) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tACCOUNT\tNAME\tSERVER\tENABLED\tSTATUS\tREASON\tRETRY")
	for i, s := range slots {
		retry := "-"
		if s.NextRetryAt > 0 {
			retry = store.FromMillis(s.NextRetryAt).Format(time.RFC3339)
		}
		name := s.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			i+1, s.AccountID, name, s.Endpoint, s.Enabled, s.Status, s.Reason, retry)
	}
	return w.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := semver.ParseTolerant(Version)
			if err != nil {
				return errors.Wrapf(err, "malformed build version %q", Version)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "altpool", "v"+v.String())
			return err
		},
	}
}
