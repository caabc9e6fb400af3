package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/pkg/ingest"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Load and inspect the entity graph",
}

var entitiesImportCmd = &cobra.Command{
	Use:   "import <session-id> <file|->",
	Short: "Import an agent's entity and relationship output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, args[1])
		if err != nil {
			return err
		}
		batch, err := ingest.ParseEntities(raw)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			res, err := st.ImportEntities(ctx, args[0], batch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var entitiesExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Render the entity graph as json, dot or markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := store.ParseExportFormat(graphFormat)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			body, err := st.ExportGraph(ctx, args[0], format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		})
	},
}

var entitiesRelatedCmd = &cobra.Command{
	Use:   "related <entity-id>",
	Short: "Walk the graph out from an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("entity id %q: %w", args[0], store.ErrInvalidArgument)
		}
		q := store.RelatedQuery{
			RelationType: relatedRelation,
			Direction:    store.Direction(relatedDirection),
			Depth:        relatedDepth,
		}
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			list, err := st.GetRelated(ctx, id, q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		})
	},
}

var (
	graphFormat      string
	relatedRelation  string
	relatedDirection string
	relatedDepth     int
)

func init() {
	entitiesExportCmd.Flags().StringVarP(&graphFormat, "format", "f", "json", "json, dot or markdown")
	entitiesRelatedCmd.Flags().StringVar(&relatedRelation, "relation", "", "Only follow this relation type")
	entitiesRelatedCmd.Flags().StringVar(&relatedDirection, "direction", "both", "outgoing, incoming or both")
	entitiesRelatedCmd.Flags().IntVar(&relatedDepth, "depth", 1, "Maximum hops")

	entitiesCmd.AddCommand(entitiesImportCmd)
	entitiesCmd.AddCommand(entitiesExportCmd)
	entitiesCmd.AddCommand(entitiesRelatedCmd)
}
