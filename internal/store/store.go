package store

import (
	"context"
	"errors"
	"fmt"

	"jobpipe/internal/models"
)

// ErrNotFound is returned when a job payload or attachment does not exist
var ErrNotFound = errors.New("not found")

// ErrJobExists is returned when a set-if-absent payload write loses to an
// existing job id
type ErrJobExists struct {
	JobID string
}

func (e *ErrJobExists) Error() string {
	return fmt.Sprintf("job %s already exists", e.JobID)
}

// ErrLockHeld is returned when a topic lock is already owned by another holder
type ErrLockHeld struct {
	Topic  string
	Holder string
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("lock for topic %s held by %s", e.Topic, e.Holder)
}

// Store is the shared persistent substrate: payload records, the per-topic
// queue triple, and the per-topic locks. Every mutation is a single atomic
// operation against the underlying database; callers never compose
// read-modify-write sequences visible to other processes.
type Store interface {
	// PutJobData writes a payload under jobID only if the id is absent.
	// Returns *ErrJobExists when the id is taken.
	PutJobData(ctx context.Context, jobID string, payload []byte) error
	GetJobData(ctx context.Context, jobID string) ([]byte, error)
	DeleteJobData(ctx context.Context, jobID string) error

	PutAttachment(ctx context.Context, jobID string, data []byte) error
	GetAttachment(ctx context.Context, jobID string) ([]byte, error)
	DeleteAttachment(ctx context.Context, jobID string) error

	// Push appends jobID to the tail of a queue
	Push(ctx context.Context, topic string, queue models.Queue, jobID string) error
	// Claim atomically pops the head of incoming and appends it to
	// processing. ok is false when incoming is empty.
	Claim(ctx context.Context, topic string) (jobID string, ok bool, err error)
	// Move atomically relocates jobID from one queue to the tail of another
	Move(ctx context.Context, topic string, from, to models.Queue, jobID string) error
	// MoveToHead atomically relocates jobID from one queue to the head of
	// another. Used when recovering interrupted jobs so they keep their
	// original FIFO position.
	MoveToHead(ctx context.Context, topic string, from, to models.Queue, jobID string) error
	// Remove deletes jobID from a queue without relocating it
	Remove(ctx context.Context, topic string, queue models.Queue, jobID string) error
	// List returns the contents of a queue in order, head first
	List(ctx context.Context, topic string, queue models.Queue) ([]string, error)

	// AcquireLock performs a set-if-absent write of the holder token.
	// Returns *ErrLockHeld on denial.
	AcquireLock(ctx context.Context, topic, holder string) error
	// ReleaseLock clears a topic lock regardless of holder
	ReleaseLock(ctx context.Context, topic string) error
	// LockHolder reports the current holder token, if any
	LockHolder(ctx context.Context, topic string) (holder string, held bool, err error)

	Close() error
}
