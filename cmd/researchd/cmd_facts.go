package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/pkg/ingest"
)

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Load and inspect extracted facts",
}

var factsImportCmd = &cobra.Command{
	Use:   "import <session-id> <file|->",
	Short: "Import an agent's raw fact output into a session",
	Long: `Reads a JSON fact array as an agent produced it. Code fences, a wrapping
{"facts": [...]} object and truncated output are tolerated. Items that fail
validation are reported without aborting the batch.`,
	Args: cobra.ExactArgs(2),
	RunE: runFactsImport,
}

var factsQueryCmd = &cobra.Command{
	Use:   "query <session-id>",
	Short: "Query facts by entity, attribute or confidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactsQuery,
}

var factsConflictsCmd = &cobra.Command{
	Use:   "conflicts <session-id>",
	Short: "Detect, list and auto-resolve conflicting facts",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactsConflicts,
}

var factsStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Print the fact statistics table",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactsStats,
}

var (
	queryEntity        string
	queryAttribute     string
	queryMinConfidence string
	queryLimit         int

	conflictsDetect bool
	conflictsPolicy string
	conflictsAll    bool

	statsMarkdown bool
)

func init() {
	factsQueryCmd.Flags().StringVar(&queryEntity, "entity", "", "Entity name")
	factsQueryCmd.Flags().StringVar(&queryAttribute, "attribute", "", "Attribute name")
	factsQueryCmd.Flags().StringVar(&queryMinConfidence, "min-confidence", "", "High, Medium or Low")
	factsQueryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum facts (0 = all)")

	factsConflictsCmd.Flags().BoolVar(&conflictsDetect, "detect", false, "Run detection before listing")
	factsConflictsCmd.Flags().StringVar(&conflictsPolicy, "policy", "", "Resolve open conflicts with this policy")
	factsConflictsCmd.Flags().BoolVar(&conflictsAll, "all", false, "Include resolved conflicts")

	factsStatsCmd.Flags().BoolVar(&statsMarkdown, "markdown", false, "Render as Markdown")

	factsCmd.AddCommand(factsImportCmd)
	factsCmd.AddCommand(factsQueryCmd)
	factsCmd.AddCommand(factsConflictsCmd)
	factsCmd.AddCommand(factsStatsCmd)
}

func runFactsImport(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[1])
	if err != nil {
		return err
	}
	items, err := ingest.ParseFacts(raw)
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		res, err := st.ImportFacts(ctx, args[0], items)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runFactsQuery(cmd *cobra.Command, args []string) error {
	q := store.FactQuery{
		SessionID: args[0],
		Entity:    queryEntity,
		Attribute: queryAttribute,
		Limit:     queryLimit,
	}
	if queryMinConfidence != "" {
		conf, err := store.ParseConfidence(queryMinConfidence)
		if err != nil {
			return err
		}
		q.MinConfidence = conf
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		facts, err := st.QueryFacts(ctx, q)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), facts)
	})
}

func runFactsConflicts(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		if conflictsDetect {
			found, err := st.DetectConflicts(ctx, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "detected %d conflict(s)\n", len(found))
		}
		if conflictsPolicy != "" {
			policy, err := store.ParseConflictPolicy(conflictsPolicy)
			if err != nil {
				return err
			}
			n, err := st.ApplyConflictPolicy(ctx, sessionID, policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "resolved %d conflict(s) by %s\n", n, policy)
		}

		var resolved *bool
		if !conflictsAll {
			open := false
			resolved = &open
		}
		list, err := st.ListConflicts(ctx, sessionID, resolved)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	})
}

func runFactsStats(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		table, err := st.StatisticsTable(ctx, args[0])
		if err != nil {
			return err
		}
		if !statsMarkdown {
			return printJSON(cmd.OutOrStdout(), table)
		}
		open := false
		conflicts, err := st.ListConflicts(ctx, args[0], &open)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), store.RenderStatisticsMarkdown(table, conflicts, time.Now()))
		return err
	})
}
