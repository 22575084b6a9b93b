package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/reconciler/pkg/audit"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/common/retry"
	"github.com/synaptica-ai/reconciler/pkg/intake"
	"github.com/synaptica-ai/reconciler/pkg/summary"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
)

type aggregateOptions struct {
	patientID   string
	rulesPath   string
	catalogPath string
}

func newAggregateCmd() *cobra.Command {
	opts := &aggregateOptions{}
	cmd := &cobra.Command{
		Use:   "aggregate <result.json>...",
		Short: "Reconcile extraction results into a snapshot",
		Example: `  reconcilectl aggregate --patient p-1 discharge.json labs.json
  reconcilectl aggregate --rules rules.yaml results/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.patientID, "patient", "", "patient id; defaults to the id carried by the results")
	cmd.Flags().StringVar(&opts.rulesPath, "rules", "", "YAML rule set overriding the built-in keying rules")
	cmd.Flags().StringVar(&opts.catalogPath, "terminology", "", "YAML terminology catalog")
	return cmd
}

func runAggregate(cmd *cobra.Command, opts *aggregateOptions, paths []string) error {
	rules, err := intake.LoadRuleSet(opts.rulesPath)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	catalog, err := terminology.Load(opts.catalogPath)
	if err != nil {
		return fmt.Errorf("loading terminology: %w", err)
	}

	registry := intake.NewMemoryRegistry()
	pipeline := intake.NewPipeline(intake.NewNormalizer(rules, catalog), registry, nil, 1, retry.Policy{MaxAttempts: 1})
	engine := summary.NewEngine(registry, summary.NewMemoryStore(), audit.LogEmitter{})

	ctx := cmd.Context()
	patientID := opts.patientID
	for _, path := range paths {
		result, err := readJSON[models.ExtractionResult](path)
		if err != nil {
			return err
		}
		if patientID == "" {
			patientID = result.PatientID
		}
		if _, err := pipeline.Ingest(ctx, patientID, result); err != nil {
			var pf *intake.PermanentIngestFailure
			if !errors.As(err, &pf) {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", path, pf.Kind)
		}
	}
	if patientID == "" {
		return errors.New("no patient id: pass --patient or include patient_id in the results")
	}

	res, err := engine.Aggregate(ctx, patientID)
	if err != nil {
		return err
	}
	if res.Partial != nil {
		return writeJSON(cmd.OutOrStdout(), res.Partial)
	}
	return writeJSON(cmd.OutOrStdout(), res.Snapshot)
}

func readJSON[T any](path string) (*T, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &v, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
