package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Queue identifies one of the per-topic queues
type Queue string

const (
	QueueIncoming   Queue = "incoming"
	QueueProcessing Queue = "processing"
	QueueFailed     Queue = "failed"
)

// Queues lists every per-topic queue, in lifecycle order
var Queues = []Queue{QueueIncoming, QueueProcessing, QueueFailed}

// JobIDTimeFormat is the timestamp half of a job id. UTC, nanosecond
// precision, zero padded so that ids sort lexicographically by creation time.
const JobIDTimeFormat = "20060102T150405.000000000"

// JobMessage is the durable payload record stored under a job id
type JobMessage struct {
	JobID       string          `json:"job_id"`
	Topic       string          `json:"topic"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	Attachment  bool            `json:"attachment,omitempty"`
}

// CreateJobRequest is the producer-facing request to create a job
type CreateJobRequest struct {
	Topic       string          `json:"topic"`
	Data        json.RawMessage `json:"data"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
}

// HandlerOutput is the structured shape a handler writes to its output
// artifact. An empty NextTopic terminates the pipeline branch.
type HandlerOutput struct {
	NextTopic string          `json:"next_topic,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ExecutionMetadata is the per-attempt telemetry record, written regardless
// of success or failure
type ExecutionMetadata struct {
	JobID          string    `json:"job_id"`
	ParentJobID    string    `json:"parent_job_id,omitempty"`
	Topic          string    `json:"topic"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	ExitCode       int       `json:"exit_code"`
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	InputFile      string    `json:"input_file"`
	OutputFile     string    `json:"output_file"`
	AttachmentFile string    `json:"attachment_file,omitempty"`
}

// NewJobID generates a candidate job id for a topic from the current
// wall clock. Uniqueness is enforced by the store write, not here.
func NewJobID(topic string) string {
	return fmt.Sprintf("%sZ-%s", time.Now().UTC().Format(JobIDTimeFormat), topic)
}

var unsafeIDChars = regexp.MustCompile(`[^0-9a-zA-Z-_.]`)

// SafeJobID converts a job id into a filesystem-safe artifact name
func SafeJobID(jobID string) string {
	return unsafeIDChars.ReplaceAllString(jobID, "-")
}
