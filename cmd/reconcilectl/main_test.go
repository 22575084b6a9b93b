package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

func writeResult(t *testing.T, dir, documentID, dosage string) string {
	t.Helper()
	body := map[string]interface{}{
		"document_id":   documentID,
		"document_name": documentID + ".pdf",
		"patient_id":    "patient-1",
		"extracted_at":  "2024-03-01T10:00:00Z",
		"entities": []interface{}{
			map[string]interface{}{
				"category":   "medication",
				"confidence": 0.9,
				"event_date": "2024-01-10",
				"fields":     map[string]interface{}{"name": "Metformin", "dosage": dosage},
			},
		},
	}
	path := filepath.Join(dir, documentID+".json")
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestAggregateReportsConflict(t *testing.T) {
	dir := t.TempDir()
	a := writeResult(t, dir, "doc-a", "500mg")
	b := writeResult(t, dir, "doc-b", "1000mg")

	var snapshot models.Snapshot
	require.NoError(t, json.Unmarshal(execute(t, "aggregate", a, b), &snapshot))

	assert.Equal(t, "patient-1", snapshot.PatientID)
	assert.Equal(t, 1, snapshot.Version)
	require.Len(t, snapshot.Conflicts, 1)
	assert.Equal(t, models.CategoryMedication, snapshot.Conflicts[0].Category)
	assert.Len(t, snapshot.Documents, 2)
}

func TestDiffBetweenSnapshots(t *testing.T) {
	dir := t.TempDir()
	a := writeResult(t, dir, "doc-a", "500mg")
	b := writeResult(t, dir, "doc-b", "500mg")

	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")
	require.NoError(t, os.WriteFile(first, execute(t, "aggregate", a), 0o600))
	require.NoError(t, os.WriteFile(second, execute(t, "aggregate", a, b), 0o600))

	var diff models.TimelineDiff
	require.NoError(t, json.Unmarshal(execute(t, "diff", first, second), &diff))
	assert.Empty(t, diff.AddedEvents)
	assert.Empty(t, diff.RemovedEvents)
}

func TestAggregateRequiresFiles(t *testing.T) {
	cmd := rootCmd
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"aggregate"})
	assert.Error(t, cmd.Execute())
}
