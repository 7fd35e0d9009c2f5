package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"jobpipe/internal/metrics"
	"jobpipe/internal/models"
	"jobpipe/internal/runner"
	"jobpipe/internal/store"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// collisionBackoff is the pause between job id generation attempts when a
// candidate id already exists
const collisionBackoff = time.Microsecond

// JobService implements the producer contract and the administrative surface
type JobService struct {
	store   store.Store
	metrics *metrics.Collector
}

// NewJobService creates a new job service
func NewJobService(st store.Store, m *metrics.Collector) *JobService {
	return &JobService{
		store:   st,
		metrics: m,
	}
}

// Create mints a unique job id, persists the payload, and appends the id to
// the topic's incoming queue. The queue append happens only after the
// payload write is confirmed, so a queued id always has a payload.
func (s *JobService) Create(ctx context.Context, topic string, data json.RawMessage, parentJobID string, attachment []byte) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		jobID := models.NewJobID(topic)
		msg := models.JobMessage{
			JobID:       jobID,
			Topic:       topic,
			ParentJobID: parentJobID,
			Data:        data,
			Attachment:  attachment != nil,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("failed to marshal job message: %w", err)
		}

		err = s.store.PutJobData(ctx, jobID, payload)
		var exists *store.ErrJobExists
		if errors.As(err, &exists) {
			// same-instant creation on the same topic; regenerate
			time.Sleep(collisionBackoff)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}

		if attachment != nil {
			if err := s.store.PutAttachment(ctx, jobID, attachment); err != nil {
				return "", fmt.Errorf("failed to store attachment: %w", err)
			}
		}

		if err := s.store.Push(ctx, topic, models.QueueIncoming, jobID); err != nil {
			return "", fmt.Errorf("failed to enqueue job: %w", err)
		}

		s.metrics.JobCreated()
		log.Printf("job_id=%s: job created, topic=%s parent_job_id=%s", jobID, topic, parentJobID)
		return jobID, nil
	}
}

// Get retrieves the payload record for a live job
func (s *JobService) Get(ctx context.Context, jobID string) (*models.JobMessage, error) {
	payload, err := s.store.GetJobData(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var msg models.JobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &msg, nil
}

// Locate reports the payload record for a job together with the queue it
// currently resides in. The queue is empty when the job is mid-transition or
// being executed under dev mode.
func (s *JobService) Locate(ctx context.Context, jobID string) (*models.JobMessage, models.Queue, error) {
	msg, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, "", err
	}

	for _, q := range models.Queues {
		ids, err := s.store.List(ctx, msg.Topic, q)
		if err != nil {
			return nil, "", err
		}
		for _, id := range ids {
			if id == jobID {
				return msg, q, nil
			}
		}
	}
	return msg, "", nil
}

// Chain creates the follow-up job declared by a completed job's output. An
// empty next_topic terminates the pipeline branch silently.
func (s *JobService) Chain(ctx context.Context, completed *models.JobMessage, out *models.HandlerOutput) (string, bool, error) {
	if out == nil || out.NextTopic == "" {
		return "", false, nil
	}

	nextID, err := s.Create(ctx, out.NextTopic, out.Data, completed.JobID, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to chain job onto topic %s: %w", out.NextTopic, err)
	}
	s.metrics.JobChained()
	return nextID, true, nil
}

// RetryFailed moves every job in each topic's failed queue back to the tail
// of incoming, preserving relative order. Each relocation is atomic on its
// own; an interruption mid-batch drops or duplicates nothing.
func (s *JobService) RetryFailed(ctx context.Context, topics []string) (map[string]int, error) {
	retried := make(map[string]int, len(topics))
	for _, topic := range topics {
		ids, err := s.store.List(ctx, topic, models.QueueFailed)
		if err != nil {
			return retried, err
		}
		for _, jobID := range ids {
			if err := s.store.Move(ctx, topic, models.QueueFailed, models.QueueIncoming, jobID); err != nil {
				return retried, fmt.Errorf("failed to retry job %s: %w", jobID, err)
			}
			retried[topic]++
			log.Printf("job_id=%s: moved back to incoming, topic=%s", jobID, topic)
		}
		s.metrics.JobsRetried(retried[topic])
	}
	return retried, nil
}

// Unlock force-clears topic locks. This is the documented recovery path
// after a crashed dispatcher leaves a stale lock.
func (s *JobService) Unlock(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := s.store.ReleaseLock(ctx, topic); err != nil {
			return err
		}
		log.Printf("released lock, topic=%s", topic)
	}
	return nil
}

// TopicStatus summarizes one topic's queues and lock
type TopicStatus struct {
	Topic      string `json:"topic"`
	Incoming   int    `json:"incoming"`
	Processing int    `json:"processing"`
	Failed     int    `json:"failed"`
	LockHolder string `json:"lock_holder,omitempty"`
}

// Status reports queue depths and lock holders for the given topics
func (s *JobService) Status(ctx context.Context, topics []string) ([]TopicStatus, error) {
	statuses := make([]TopicStatus, 0, len(topics))
	for _, topic := range topics {
		st := TopicStatus{Topic: topic}

		counts := map[models.Queue]*int{
			models.QueueIncoming:   &st.Incoming,
			models.QueueProcessing: &st.Processing,
			models.QueueFailed:     &st.Failed,
		}
		for q, dst := range counts {
			ids, err := s.store.List(ctx, topic, q)
			if err != nil {
				return nil, err
			}
			*dst = len(ids)
		}

		holder, held, err := s.store.LockHolder(ctx, topic)
		if err != nil {
			return nil, err
		}
		if held {
			st.LockHolder = holder
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// DevRun executes one existing job's handler without lock acquisition and
// without committing any queue transition or pipeline chaining. Metadata is
// still recorded; re-runs simply overwrite the previous snapshot.
func (s *JobService) DevRun(ctx context.Context, r *runner.Runner, jobID string) (*runner.Result, error) {
	msg, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var attachment []byte
	if msg.Attachment {
		attachment, err = s.store.GetAttachment(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to get attachment: %w", err)
		}
	}

	res, err := r.Run(ctx, msg, attachment)
	if err != nil {
		return nil, err
	}

	if _, err := runner.RecordMetadata(r.ArtifactsDir(), res.Metadata(msg)); err != nil {
		log.Printf("job_id=%s: failed to record metadata: %v", jobID, err)
	}
	return res, nil
}
