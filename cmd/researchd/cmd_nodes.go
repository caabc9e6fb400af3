package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kittclouds/researchstate/internal/store"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Analyze the thought graph",
}

var nodesHealthCmd = &cobra.Command{
	Use:   "health <node-id>",
	Short: "Score distribution and recommendation for a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			health, err := st.BranchHealth(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), health)
		})
	},
}

var nodesEntropyCmd = &cobra.Command{
	Use:   "entropy",
	Short: "Information gain of new nodes over existing ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			res, err := st.CalculateEntropy(ctx, entropyNew, entropyExisting)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var entropyNew, entropyExisting []string

func init() {
	nodesEntropyCmd.Flags().StringSliceVar(&entropyNew, "new", nil, "New node ids (required)")
	nodesEntropyCmd.Flags().StringSliceVar(&entropyExisting, "existing", nil, "Existing node ids")
	_ = nodesEntropyCmd.MarkFlagRequired("new")

	nodesCmd.AddCommand(nodesHealthCmd)
	nodesCmd.AddCommand(nodesEntropyCmd)
}
