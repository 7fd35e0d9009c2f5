package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"jobpipe/internal/models"
)

// Result captures one handler execution attempt
type Result struct {
	ExitCode  int
	Output    *models.HandlerOutput // nil when absent or malformed
	OutputErr error                 // why Output is nil despite exit 0
	Stdout    string
	Stderr    string
	StartTime time.Time
	EndTime   time.Time

	InputFile      string
	OutputFile     string
	AttachmentFile string
}

// Succeeded reports whether the attempt counts as a successful job
// execution: exit zero and a well-formed output artifact.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && r.Output != nil
}

// Metadata builds the telemetry record for this attempt
func (r *Result) Metadata(msg *models.JobMessage) *models.ExecutionMetadata {
	return &models.ExecutionMetadata{
		JobID:          msg.JobID,
		ParentJobID:    msg.ParentJobID,
		Topic:          msg.Topic,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		ElapsedSeconds: r.EndTime.Sub(r.StartTime).Seconds(),
		ExitCode:       r.ExitCode,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		InputFile:      r.InputFile,
		OutputFile:     r.OutputFile,
		AttachmentFile: r.AttachmentFile,
	}
}

// Runner executes topic handlers as isolated child processes. Each execution
// gets its own scratch working directory so concurrent jobs never share
// mutable state.
type Runner struct {
	registry     *Registry
	artifactsDir string
	timeout      time.Duration // 0 means no execution deadline
}

// NewRunner creates a runner writing artifacts under artifactsDir
func NewRunner(registry *Registry, artifactsDir string, timeout time.Duration) *Runner {
	return &Runner{
		registry:     registry,
		artifactsDir: artifactsDir,
		timeout:      timeout,
	}
}

// ArtifactsDir reports where artifacts are written
func (r *Runner) ArtifactsDir() string {
	return r.artifactsDir
}

// Run serializes the job's input artifact, launches the topic handler, and
// captures its output artifact plus execution telemetry. An error return
// means no handler process was started; handler failures come back as a
// Result with a non-zero exit code or a missing output.
func (r *Runner) Run(ctx context.Context, msg *models.JobMessage, attachment []byte) (*Result, error) {
	handlerPath, err := r.registry.Resolve(msg.Topic)
	if err != nil {
		return nil, err
	}
	handlerPath, err = filepath.Abs(handlerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve handler path: %w", err)
	}

	if err := os.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	safe := models.SafeJobID(msg.JobID)
	res := &Result{}

	data := msg.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	inputFile, err := filepath.Abs(filepath.Join(r.artifactsDir, safe+"-input.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input path: %w", err)
	}
	if err := os.WriteFile(inputFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write input artifact: %w", err)
	}
	res.InputFile = inputFile

	if attachment != nil {
		attachmentFile, err := filepath.Abs(filepath.Join(r.artifactsDir, safe+"-attachment.bin"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve attachment path: %w", err)
		}
		if err := os.WriteFile(attachmentFile, attachment, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write attachment artifact: %w", err)
		}
		res.AttachmentFile = attachmentFile
	}

	outputFile, err := filepath.Abs(filepath.Join(r.artifactsDir, safe+"-output.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	// a stale artifact from a previous attempt must not count as output
	if err := os.Remove(outputFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear output artifact: %w", err)
	}
	res.OutputFile = outputFile

	scratchDir := filepath.Join(r.artifactsDir, "work", safe)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{"--input", inputFile, "--output", outputFile}
	if res.AttachmentFile != "" {
		args = append(args, "--attachment", res.AttachmentFile)
	}

	cmd := exec.CommandContext(ctx, handlerPath, args...)
	cmd.Dir = scratchDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res.StartTime = time.Now().UTC()
	runErr := cmd.Run()
	res.EndTime = time.Now().UTC()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run handler for topic %s: %w", msg.Topic, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.Output, res.OutputErr = readOutput(outputFile)
	return res, nil
}

// readOutput parses the handler's output artifact
func readOutput(path string) (*models.HandlerOutput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("handler wrote no output artifact")
		}
		return nil, fmt.Errorf("failed to read output artifact: %w", err)
	}

	var out models.HandlerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed output artifact: %w", err)
	}
	return &out, nil
}
