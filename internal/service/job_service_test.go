package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"jobpipe/internal/metrics"
	"jobpipe/internal/models"
	"jobpipe/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore is an in-memory mock of store.Store
type mockStore struct {
	mu          sync.Mutex
	payloads    map[string][]byte
	attachments map[string][]byte
	queues      map[string][]string
	locks       map[string]string

	ops      []string
	failPuts int // number of PutJobData calls to reject with ErrJobExists
	pushErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		payloads:    make(map[string][]byte),
		attachments: make(map[string][]byte),
		queues:      make(map[string][]string),
		locks:       make(map[string]string),
	}
}

func qkey(topic string, q models.Queue) string {
	return string(q) + ":" + topic
}

func (m *mockStore) PutJobData(ctx context.Context, jobID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPuts > 0 {
		m.failPuts--
		return &store.ErrJobExists{JobID: jobID}
	}
	if _, exists := m.payloads[jobID]; exists {
		return &store.ErrJobExists{JobID: jobID}
	}
	m.payloads[jobID] = payload
	m.ops = append(m.ops, "put:"+jobID)
	return nil
}

func (m *mockStore) GetJobData(ctx context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, exists := m.payloads[jobID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return payload, nil
}

func (m *mockStore) DeleteJobData(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.payloads, jobID)
	return nil
}

func (m *mockStore) PutAttachment(ctx context.Context, jobID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[jobID] = data
	m.ops = append(m.ops, "attach:"+jobID)
	return nil
}

func (m *mockStore) GetAttachment(ctx context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, exists := m.attachments[jobID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (m *mockStore) DeleteAttachment(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments, jobID)
	return nil
}

func (m *mockStore) Push(ctx context.Context, topic string, queue models.Queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	k := qkey(topic, queue)
	m.queues[k] = append(m.queues[k], jobID)
	m.ops = append(m.ops, "push:"+jobID)
	return nil
}

func (m *mockStore) Claim(ctx context.Context, topic string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := qkey(topic, models.QueueIncoming)
	if len(m.queues[k]) == 0 {
		return "", false, nil
	}
	jobID := m.queues[k][0]
	m.queues[k] = m.queues[k][1:]
	pk := qkey(topic, models.QueueProcessing)
	m.queues[pk] = append(m.queues[pk], jobID)
	return jobID, true, nil
}

func (m *mockStore) Move(ctx context.Context, topic string, from, to models.Queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(topic, from, to, jobID, false)
}

func (m *mockStore) MoveToHead(ctx context.Context, topic string, from, to models.Queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(topic, from, to, jobID, true)
}

func (m *mockStore) moveLocked(topic string, from, to models.Queue, jobID string, head bool) error {
	fk := qkey(topic, from)
	found := false
	for i, id := range m.queues[fk] {
		if id == jobID {
			m.queues[fk] = append(m.queues[fk][:i], m.queues[fk][i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("job %s not in %s:%s: %w", jobID, from, topic, store.ErrNotFound)
	}
	tk := qkey(topic, to)
	if head {
		m.queues[tk] = append([]string{jobID}, m.queues[tk]...)
	} else {
		m.queues[tk] = append(m.queues[tk], jobID)
	}
	return nil
}

func (m *mockStore) Remove(ctx context.Context, topic string, queue models.Queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := qkey(topic, queue)
	for i, id := range m.queues[k] {
		if id == jobID {
			m.queues[k] = append(m.queues[k][:i], m.queues[k][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("job %s not in %s:%s: %w", jobID, queue, topic, store.ErrNotFound)
}

func (m *mockStore) List(ctx context.Context, topic string, queue models.Queue) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queues[qkey(topic, queue)]...), nil
}

func (m *mockStore) AcquireLock(ctx context.Context, topic, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, held := m.locks[topic]; held {
		return &store.ErrLockHeld{Topic: topic, Holder: current}
	}
	m.locks[topic] = holder
	return nil
}

func (m *mockStore) ReleaseLock(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, topic)
	return nil
}

func (m *mockStore) LockHolder(ctx context.Context, topic string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, held := m.locks[topic]
	return holder, held, nil
}

func (m *mockStore) Close() error { return nil }

func newTestService(st store.Store) *JobService {
	return NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
}

func TestCreate_Success(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)

	jobID, err := svc.Create(context.Background(), "ingest", json.RawMessage(`{"url":"http://x"}`), "", nil)
	require.NoError(t, err)
	assert.Contains(t, jobID, "-ingest")

	msg, err := svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, msg.JobID)
	assert.Equal(t, "ingest", msg.Topic)
	assert.Empty(t, msg.ParentJobID)
	assert.False(t, msg.Attachment)
	assert.JSONEq(t, `{"url":"http://x"}`, string(msg.Data))

	incoming, err := st.List(context.Background(), "ingest", models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, incoming)

	// payload is confirmed before the queue append
	require.Len(t, st.ops, 2)
	assert.Equal(t, "put:"+jobID, st.ops[0])
	assert.Equal(t, "push:"+jobID, st.ops[1])
}

func TestCreate_RetriesOnIdentityCollision(t *testing.T) {
	st := newMockStore()
	st.failPuts = 2
	svc := newTestService(st)

	jobID, err := svc.Create(context.Background(), "ingest", json.RawMessage(`{}`), "", nil)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), jobID)
	assert.NoError(t, err)
}

func TestCreate_PushErrorPropagates(t *testing.T) {
	st := newMockStore()
	st.pushErr = errors.New("store unavailable")
	svc := newTestService(st)

	_, err := svc.Create(context.Background(), "ingest", json.RawMessage(`{}`), "", nil)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestCreate_WithAttachment(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)

	jobID, err := svc.Create(context.Background(), "ingest", json.RawMessage(`{}`), "", []byte("blob"))
	require.NoError(t, err)

	msg, err := svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, msg.Attachment)

	data, err := st.GetAttachment(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	// payload, then attachment, then queue append
	require.Len(t, st.ops, 3)
	assert.Equal(t, "put:"+jobID, st.ops[0])
	assert.Equal(t, "attach:"+jobID, st.ops[1])
	assert.Equal(t, "push:"+jobID, st.ops[2])
}

func TestCreate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestService(newMockStore())
	_, err := svc.Create(ctx, "ingest", json.RawMessage(`{}`), "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreate_ConcurrentUniqueness(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID, err := svc.Create(context.Background(), "ingest", json.RawMessage(`{}`), "", nil)
			assert.NoError(t, err)
			ids <- jobID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for jobID := range ids {
		assert.False(t, seen[jobID], "duplicate job id %s", jobID)
		seen[jobID] = true

		_, err := svc.Get(context.Background(), jobID)
		assert.NoError(t, err)
	}
	assert.Len(t, seen, n)
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService(newMockStore())

	_, err := svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestChain(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)

	completed := &models.JobMessage{JobID: "t1-ingest", Topic: "ingest"}
	out := &models.HandlerOutput{NextTopic: "parse", Data: json.RawMessage(`{"x":1}`)}

	nextID, chained, err := svc.Chain(context.Background(), completed, out)
	require.NoError(t, err)
	require.True(t, chained)
	assert.Contains(t, nextID, "-parse")

	msg, err := svc.Get(context.Background(), nextID)
	require.NoError(t, err)
	assert.Equal(t, "t1-ingest", msg.ParentJobID)
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))

	incoming, err := st.List(context.Background(), "parse", models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, []string{nextID}, incoming)
}

func TestChain_NoNextTopic(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)

	completed := &models.JobMessage{JobID: "t1-ingest", Topic: "ingest"}

	_, chained, err := svc.Chain(context.Background(), completed, &models.HandlerOutput{Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, chained)

	_, chained, err = svc.Chain(context.Background(), completed, nil)
	require.NoError(t, err)
	assert.False(t, chained)

	assert.Empty(t, st.payloads)
}

func TestRetryFailed_PreservesOrder(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Push(ctx, "ingest", models.QueueFailed, id))
	}

	retried, err := svc.RetryFailed(ctx, []string{"ingest"})
	require.NoError(t, err)
	assert.Equal(t, 3, retried["ingest"])

	incoming, err := st.List(ctx, "ingest", models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, incoming)

	failed, err := st.List(ctx, "ingest", models.QueueFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestUnlock(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	require.NoError(t, st.AcquireLock(ctx, "ingest", "host:1:abc"))
	require.NoError(t, st.AcquireLock(ctx, "parse", "host:2:def"))

	require.NoError(t, svc.Unlock(ctx, []string{"ingest", "parse"}))

	for _, topic := range []string{"ingest", "parse"} {
		_, held, err := st.LockHolder(ctx, topic)
		require.NoError(t, err)
		assert.False(t, held)
	}
}

func TestLocate(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	jobID, err := svc.Create(ctx, "ingest", json.RawMessage(`{}`), "", nil)
	require.NoError(t, err)

	_, queue, err := svc.Locate(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueIncoming, queue)

	require.NoError(t, st.Move(ctx, "ingest", models.QueueIncoming, models.QueueFailed, jobID))
	_, queue, err = svc.Locate(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, queue)
}

func TestStatus(t *testing.T) {
	st := newMockStore()
	svc := newTestService(st)
	ctx := context.Background()

	require.NoError(t, st.Push(ctx, "ingest", models.QueueIncoming, "a"))
	require.NoError(t, st.Push(ctx, "ingest", models.QueueFailed, "b"))
	require.NoError(t, st.AcquireLock(ctx, "ingest", "host:1:abc"))

	statuses, err := svc.Status(ctx, []string{"ingest", "parse"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, TopicStatus{
		Topic:      "ingest",
		Incoming:   1,
		Failed:     1,
		LockHolder: "host:1:abc",
	}, statuses[0])
	assert.Equal(t, TopicStatus{Topic: "parse"}, statuses[1])
}
