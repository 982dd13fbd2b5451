package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-autopilot/internal/audit"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/scheduler"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func newCronCmd() *cobra.Command {
	cron := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	var (
		count int
		from  string
	)
	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next run times of a five-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := scheduler.Parse(args[0])
			if err != nil {
				return err
			}
			t := time.Now()
			if from != "" {
				if t, err = utils.ParseRFC3339(from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			for i := 0; i < count; i++ {
				n, ok := sched.Next(t)
				if !ok {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), n.Format(time.RFC3339))
				t = n
			}
			return nil
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "Number of run times to print")
	next.Flags().StringVar(&from, "from", "", "RFC3339 start time (defaults to now)")
	cron.AddCommand(next)
	return cron
}

func newAuditCmd(configPath *string) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
	}

	var (
		since  time.Duration
		action string
		actor  string
		limit  int
	)
	query := &cobra.Command{
		Use:   "query",
		Short: "Print audit records as JSON lines, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := utils.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)
			st, err := openStore(cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now().UTC()
			entries, err := audit.NewLogger(st, logger).Query(context.Background(), models.AuditQuery{
				From:   now.Add(-since),
				To:     now,
				Action: action,
				Actor:  models.Actor(actor),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	query.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to read")
	query.Flags().StringVar(&action, "action", "", "Only records with this action")
	query.Flags().StringVar(&actor, "actor", "", "Only records from this actor (system or user)")
	query.Flags().IntVar(&limit, "limit", 100, "Maximum records to print")
	auditCmd.AddCommand(query)
	return auditCmd
}
