package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"triage-queue-backend/internal/client"
	"triage-queue-backend/internal/logging"
	"triage-queue-backend/internal/model"
)

func watchCmd() *cobra.Command {
	var (
		baseURL     string
		maxAttempts int
		poll        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live queue from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init("triaged-watch", "warn", "console")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := client.NewWatcher(client.Options{
				BaseURL:      baseURL,
				MaxAttempts:  maxAttempts,
				PollInterval: poll,
				OnChange:     printQueue,
				OnState: func(s client.State) {
					fmt.Fprintf(os.Stderr, "stream %s\n", s)
				},
			})
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8082", "server base URL")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "reconnect attempts before giving up")
	cmd.Flags().DurationVar(&poll, "poll", 30*time.Second, "list refresh interval, negative to disable")
	return cmd
}

func printQueue(entries []model.Entry) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENCOUNTER\tBAND\tPRIORITY\tWAIT\tSTATUS\tPROVIDER")
	for _, e := range entries {
		provider := "-"
		if e.AssignedProviderID != nil {
			provider = *e.AssignedProviderID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%dm\t%s\t%s\n", e.EncounterID, e.Band, e.PriorityScore, e.WaitMinutes, e.Status, provider)
	}
	tw.Flush()
	fmt.Println()
}
