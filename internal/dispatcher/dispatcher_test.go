package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/features/job"
)

type fakeQueue struct {
	reaped     []job.Job
	reapErr    error
	reapCutoff time.Time

	next       *job.Job
	claimErr   error
	claimCalls int
}

func (q *fakeQueue) ReapStale(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	q.reapCutoff = cutoff
	return q.reaped, q.reapErr
}

func (q *fakeQueue) ClaimNext(ctx context.Context, now time.Time) (*job.Job, error) {
	q.claimCalls++
	return q.next, q.claimErr
}

type fakeInvoker struct {
	configured bool
	executed   chan string
	execErr    error
}

func newFakeInvoker(configured bool) *fakeInvoker {
	return &fakeInvoker{configured: configured, executed: make(chan string, 1)}
}

func (i *fakeInvoker) Configured() bool { return i.configured }

func (i *fakeInvoker) Execute(ctx context.Context, jobID string) error {
	i.executed <- jobID
	return i.execErr
}

func TestTick_ReapsWithProcessingTimeoutCutoff(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	queue := &fakeQueue{reaped: []job.Job{{ID: "stuck-1", Status: job.StatusFailed}}}
	d := New(queue, newFakeInvoker(false))
	d.now = func() time.Time { return now }

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, now.Add(-ProcessingTimeout), queue.reapCutoff)
}

func TestTick_UnconfiguredWorkerSkipsClaim(t *testing.T) {
	queue := &fakeQueue{next: &job.Job{ID: "job-1"}}
	d := New(queue, newFakeInvoker(false))

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 0, queue.claimCalls)
}

func TestTick_DispatchesClaimedJob(t *testing.T) {
	queue := &fakeQueue{next: &job.Job{ID: "job-1", Type: job.TypeReviewImport}}
	invoker := newFakeInvoker(true)
	d := New(queue, invoker)

	require.NoError(t, d.Tick(context.Background()))

	select {
	case id := <-invoker.executed:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was never invoked")
	}
}

func TestTick_EmptyQueueIsNotAnError(t *testing.T) {
	queue := &fakeQueue{next: nil}
	invoker := newFakeInvoker(true)
	d := New(queue, invoker)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 1, queue.claimCalls)
	assert.Empty(t, invoker.executed)
}

func TestTick_PropagatesStoreErrors(t *testing.T) {
	queue := &fakeQueue{reapErr: errors.New("db down")}
	d := New(queue, newFakeInvoker(true))
	assert.Error(t, d.Tick(context.Background()))

	queue = &fakeQueue{claimErr: errors.New("db down")}
	d = New(queue, newFakeInvoker(true))
	assert.Error(t, d.Tick(context.Background()))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	queue := &fakeQueue{}
	d := New(queue, newFakeInvoker(false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
