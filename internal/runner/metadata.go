package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"jobpipe/internal/models"
)

// RecordMetadata persists the metadata artifact for an execution attempt.
// Overwrites are idempotent: re-running a job simply produces a new snapshot.
func RecordMetadata(artifactsDir string, meta *models.ExecutionMetadata) (string, error) {
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	path := filepath.Join(artifactsDir, models.SafeJobID(meta.JobID)+"-metadata.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write metadata artifact: %w", err)
	}
	return path, nil
}
