package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/researchstate/internal/store"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect research sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			sess, err := st.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s: %w", args[0], store.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), sess)
		})
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Dump a session and everything it owns as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionExport,
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Summarize a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			stats, err := st.SessionStatistics(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var (
	sessionStatus string
	sessionLimit  int
	exportOutput  string
)

func init() {
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Only sessions in this status")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum sessions to list (0 = all)")
	sessionExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var status store.SessionStatus
	if sessionStatus != "" {
		st, err := store.ParseSessionStatus(sessionStatus)
		if err != nil {
			return err
		}
		status = st
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		list, err := st.ListSessions(ctx, status, sessionLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tCREATED\tTOPIC")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.ResearchType,
				time.UnixMilli(s.CreatedAt).UTC().Format(time.RFC3339), truncate(s.Topic, 60))
		}
		return tw.Flush()
	})
}

func runSessionExport(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		raw, err := st.ExportSessionJSON(ctx, args[0])
		if err != nil {
			return err
		}
		if exportOutput == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		}
		if err := os.WriteFile(exportOutput, raw, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %s to %s\n", args[0], exportOutput)
		return nil
	})
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
