package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/reconciler/pkg/aggregation"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "diff <previous.json> <current.json>",
		Short:   "Compare the timelines of two snapshots",
		Example: `  reconcilectl diff v3.json v4.json`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			previous, err := readJSON[models.Snapshot](args[0])
			if err != nil {
				return err
			}
			current, err := readJSON[models.Snapshot](args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), aggregation.Diff(previous, current, time.Now().UTC()))
		},
	}
}
