package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks pipeline metrics and exposes them in Prometheus format
type Collector struct {
	jobsCreated   prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsChained   prometheus.Counter
	jobsRetried   prometheus.Counter

	jobDuration prometheus.Histogram
}

// NewCollector creates a collector registered on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_claimed_total",
			Help: "Total number of jobs claimed for processing",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobsChained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_chained_total",
			Help: "Total number of follow-up jobs created by chaining",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobpipe_jobs_retried_total",
			Help: "Total number of failed jobs moved back to incoming",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobpipe_job_duration_seconds",
			Help:    "Wall-clock duration of handler executions",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsChained,
		c.jobsRetried,
		c.jobDuration,
	)
	return c
}

// JobCreated records a job creation
func (c *Collector) JobCreated() {
	c.jobsCreated.Inc()
}

// JobClaimed records a claim from incoming to processing
func (c *Collector) JobClaimed() {
	c.jobsClaimed.Inc()
}

// JobCompleted records a successful execution and its duration
func (c *Collector) JobCompleted(d time.Duration) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
}

// JobFailed records a failed execution and its duration
func (c *Collector) JobFailed(d time.Duration) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(d.Seconds())
}

// JobChained records a follow-up job created by the chainer
func (c *Collector) JobChained() {
	c.jobsChained.Inc()
}

// JobsRetried records failed jobs moved back to incoming
func (c *Collector) JobsRetried(n int) {
	c.jobsRetried.Add(float64(n))
}
