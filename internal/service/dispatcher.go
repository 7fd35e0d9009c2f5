package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"jobpipe/internal/metrics"
	"jobpipe/internal/models"
	"jobpipe/internal/runner"
	"jobpipe/internal/store"

	"github.com/google/uuid"
)

// DispatcherConfig carries the dispatcher's tunables
type DispatcherConfig struct {
	// Topics this dispatcher wants to service
	Topics []string
	// PollInterval is the bounded wait between polls when all queues are idle
	PollInterval time.Duration
	// LockRetryInterval is how often acquisition of denied topics is retried
	LockRetryInterval time.Duration
}

// Dispatcher is the authoritative worker loop for the topics whose locks it
// holds: it claims jobs from incoming, drives the handler runner, records
// metadata, and commits the resulting queue transition.
type Dispatcher struct {
	store   store.Store
	runner  *runner.Runner
	jobs    *JobService
	metrics *metrics.Collector

	holder            string
	requested         []string
	owned             []string
	pollInterval      time.Duration
	lockRetryInterval time.Duration
}

// NewDispatcher creates a dispatcher for the configured topics
func NewDispatcher(st store.Store, r *runner.Runner, jobs *JobService, m *metrics.Collector, cfg DispatcherConfig) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Dispatcher{
		store:             st,
		runner:            r,
		jobs:              jobs,
		metrics:           m,
		holder:            fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		requested:         cfg.Topics,
		pollInterval:      cfg.PollInterval,
		lockRetryInterval: cfg.LockRetryInterval,
	}
}

// Holder reports this dispatcher's lock holder token
func (d *Dispatcher) Holder() string {
	return d.holder
}

// OwnedTopics reports the topics whose locks this dispatcher currently holds
func (d *Dispatcher) OwnedTopics() []string {
	return append([]string(nil), d.owned...)
}

// Run drains the owned topics until ctx is canceled, then releases every
// owned lock. Topics whose locks are denied at startup are retried on a
// timer; a denial is never fatal.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.acquireTopics(ctx)
	defer d.releaseTopics()

	if len(d.owned) == 0 {
		log.Printf("no topic locks acquired, holder=%s; retrying every %s", d.holder, d.lockRetryInterval)
	} else {
		log.Printf("processing topics %v, holder=%s", d.owned, d.holder)
	}

	lockRetry := time.NewTicker(d.lockRetryInterval)
	defer lockRetry.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-lockRetry.C:
			d.acquireTopics(ctx)
		default:
		}

		processed := false
		for _, topic := range d.owned {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := d.processOne(ctx, topic)
			if err != nil {
				log.Printf("error processing topic %s: %v", topic, err)
				continue
			}
			if ok {
				processed = true
			}
		}

		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
			}
		}
	}
}

// acquireTopics attempts lock acquisition for every requested topic not yet
// owned. Newly owned topics get their leftover processing entries recovered.
func (d *Dispatcher) acquireTopics(ctx context.Context) {
	ownedSet := make(map[string]bool, len(d.owned))
	for _, t := range d.owned {
		ownedSet[t] = true
	}

	for _, topic := range d.requested {
		if ownedSet[topic] {
			continue
		}

		err := d.store.AcquireLock(ctx, topic, d.holder)
		var held *store.ErrLockHeld
		if errors.As(err, &held) {
			log.Printf("lock denied, topic=%s holder=%s", topic, held.Holder)
			continue
		}
		if err != nil {
			log.Printf("error acquiring lock, topic=%s: %v", topic, err)
			continue
		}

		if err := d.recoverTopic(ctx, topic); err != nil {
			log.Printf("error recovering topic %s: %v", topic, err)
		}
		d.owned = append(d.owned, topic)
		log.Printf("lock acquired, topic=%s holder=%s", topic, d.holder)
	}
}

// recoverTopic moves jobs a previous dispatcher left in processing back to
// the head of incoming. Safe because this dispatcher holds the topic lock.
func (d *Dispatcher) recoverTopic(ctx context.Context, topic string) error {
	ids, err := d.store.List(ctx, topic, models.QueueProcessing)
	if err != nil {
		return err
	}
	// tail first, so the original order survives head insertion
	for i := len(ids) - 1; i >= 0; i-- {
		if err := d.store.MoveToHead(ctx, topic, models.QueueProcessing, models.QueueIncoming, ids[i]); err != nil {
			return err
		}
		log.Printf("job_id=%s: recovered to incoming, topic=%s", ids[i], topic)
	}
	return nil
}

// releaseTopics releases every owned lock on graceful shutdown
func (d *Dispatcher) releaseTopics() {
	ctx := context.Background()
	for _, topic := range d.owned {
		if err := d.store.ReleaseLock(ctx, topic); err != nil {
			log.Printf("error releasing lock, topic=%s: %v", topic, err)
			continue
		}
		log.Printf("lock released, topic=%s", topic)
	}
	d.owned = nil
}

// processOne claims and executes at most one job from a topic's incoming
// queue. Returns false when the queue is empty.
func (d *Dispatcher) processOne(ctx context.Context, topic string) (bool, error) {
	jobID, ok, err := d.store.Claim(ctx, topic)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	d.metrics.JobClaimed()
	log.Printf("job_id=%s: job claimed, topic=%s", jobID, topic)
	d.execute(ctx, topic, jobID)
	return true, nil
}

// execute runs a claimed job and commits the outcome: delete-and-chain on
// success, relocation to failed otherwise
func (d *Dispatcher) execute(ctx context.Context, topic, jobID string) {
	msg, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		log.Printf("job_id=%s: payload missing, failing job: %v", jobID, err)
		d.failJob(ctx, topic, jobID, 0)
		return
	}

	var attachment []byte
	if msg.Attachment {
		attachment, err = d.store.GetAttachment(ctx, jobID)
		if err != nil {
			log.Printf("job_id=%s: attachment missing, failing job: %v", jobID, err)
			d.failJob(ctx, topic, jobID, 0)
			return
		}
	}

	res, err := d.runner.Run(ctx, msg, attachment)
	if err != nil {
		// no handler process ran; still leave a metadata snapshot behind
		now := time.Now().UTC()
		meta := &models.ExecutionMetadata{
			JobID:       msg.JobID,
			ParentJobID: msg.ParentJobID,
			Topic:       msg.Topic,
			StartTime:   now,
			EndTime:     now,
			ExitCode:    -1,
			Stderr:      err.Error(),
		}
		if _, rerr := runner.RecordMetadata(d.runner.ArtifactsDir(), meta); rerr != nil {
			log.Printf("job_id=%s: failed to record metadata: %v", jobID, rerr)
		}
		log.Printf("job_id=%s: handler launch failed: %v", jobID, err)
		d.failJob(ctx, topic, jobID, 0)
		return
	}

	// metadata is written before the queue transition commits
	if _, err := runner.RecordMetadata(d.runner.ArtifactsDir(), res.Metadata(msg)); err != nil {
		log.Printf("job_id=%s: failed to record metadata: %v", jobID, err)
	}

	elapsed := res.EndTime.Sub(res.StartTime)
	if !res.Succeeded() {
		if res.ExitCode != 0 {
			log.Printf("job_id=%s: job failed, exit_code=%d", jobID, res.ExitCode)
		} else {
			log.Printf("job_id=%s: job failed, output invalid: %v", jobID, res.OutputErr)
		}
		d.failJob(ctx, topic, jobID, elapsed)
		return
	}

	if err := d.store.Remove(ctx, topic, models.QueueProcessing, jobID); err != nil {
		log.Printf("job_id=%s: error removing from processing: %v", jobID, err)
		return
	}
	if err := d.store.DeleteJobData(ctx, jobID); err != nil {
		log.Printf("job_id=%s: error deleting payload: %v", jobID, err)
	}
	if msg.Attachment {
		if err := d.store.DeleteAttachment(ctx, jobID); err != nil {
			log.Printf("job_id=%s: error deleting attachment: %v", jobID, err)
		}
	}

	d.metrics.JobCompleted(elapsed)
	log.Printf("job_id=%s: job completed, elapsed=%.2fs", jobID, elapsed.Seconds())

	// the parent's commit stands even when chain creation fails
	nextID, chained, err := d.jobs.Chain(ctx, msg, res.Output)
	if err != nil {
		log.Printf("job_id=%s: chain create failed: %v", jobID, err)
		return
	}
	if chained {
		log.Printf("job_id=%s: chained next job, next_job_id=%s", jobID, nextID)
	}
}

// failJob relocates a job to the failed queue, retaining its payload for
// inspection
func (d *Dispatcher) failJob(ctx context.Context, topic, jobID string, elapsed time.Duration) {
	if err := d.store.Move(ctx, topic, models.QueueProcessing, models.QueueFailed, jobID); err != nil {
		log.Printf("job_id=%s: error moving to failed: %v", jobID, err)
		return
	}
	d.metrics.JobFailed(elapsed)
}
