package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type periodOutcome struct {
	summary PeriodSummary
	err     error
}

type progressLog struct {
	mu      sync.Mutex
	current []int
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = append(l.current, p.Current)
}

func (l *progressLog) seen() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.current...)
}

// pauseOnFirst blocks the run at its first progress report until release is closed.
func pauseOnFirst(started chan<- struct{}, release <-chan struct{}, next func(Progress)) func(Progress) {
	var once sync.Once
	return func(p Progress) {
		if next != nil {
			next(p)
		}
		once.Do(func() {
			close(started)
			<-release
		})
	}
}

func startPeriod(ctx context.Context, svc *Service, req PeriodRequest) <-chan periodOutcome {
	out := make(chan periodOutcome, 1)
	go func() {
		summary, err := svc.GenerateForPeriod(ctx, req)
		out <- periodOutcome{summary: summary, err: err}
	}()
	return out
}

func awaitOutcome(t *testing.T, ch <-chan periodOutcome) periodOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("period run did not return")
		return periodOutcome{}
	}
}

func awaitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reported progress")
	}
}

func TestGenerateForPeriodDoesNotShareAcrossIssueDates(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	store.addVisit(completedVisit(alice.id, alice.name, monday, "09:00", "10:00"))
	svc := newTestService(store, nil)

	started, release := make(chan struct{}), make(chan struct{})
	first := periodRequest()
	first.Progress = pauseOnFirst(started, release, nil)
	firstDone := startPeriod(context.Background(), svc, first)
	awaitSignal(t, started)

	var progress progressLog
	second := periodRequest()
	second.IssueDate = date(2025, time.March, 10)
	second.Progress = progress.record
	out := awaitOutcome(t, startPeriod(context.Background(), svc, second))
	close(release)
	firstOut := awaitOutcome(t, firstDone)

	require.NoError(t, out.err)
	require.Len(t, out.summary.Invoices, 1)
	inv := out.summary.Invoices[0].Invoice
	assert.Equal(t, date(2025, time.March, 10), inv.IssueDate)
	assert.Equal(t, date(2025, time.March, 24), inv.DueDate)
	assert.Equal(t, []int{1}, progress.seen())
	assert.NotEqual(t, firstOut.summary.RunID, out.summary.RunID)
}

func TestGenerateForPeriodSharesIdenticalRuns(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	bob := newClient(store, "Bob", "15", 14)
	store.addVisit(completedVisit(alice.id, alice.name, monday, "09:00", "10:00"))
	store.addVisit(completedVisit(bob.id, bob.name, monday, "09:00", "10:00"))
	svc := newTestService(store, nil)

	var firstProgress, secondProgress progressLog
	started, release := make(chan struct{}), make(chan struct{})
	first := periodRequest()
	first.Progress = pauseOnFirst(started, release, firstProgress.record)
	firstDone := startPeriod(context.Background(), svc, first)
	awaitSignal(t, started)

	second := periodRequest()
	second.Progress = secondProgress.record
	secondDone := startPeriod(context.Background(), svc, second)
	key := periodRunKey(second)
	require.Eventually(t, func() bool { return svc.runs.waiting(key) == 2 }, 5*time.Second, 5*time.Millisecond)
	close(release)

	a, b := awaitOutcome(t, firstDone), awaitOutcome(t, secondDone)
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.summary.RunID, b.summary.RunID)
	assert.Equal(t, 2, b.summary.SuccessCount)
	assert.Equal(t, 2, store.invoiceCount())
	assert.Equal(t, []int{1, 2}, firstProgress.seen())
	assert.Equal(t, []int{2}, secondProgress.seen(), "a joining caller sees progress from the moment it joins")
}

func TestGenerateForPeriodSurvivesOneCallerCancelling(t *testing.T) {
	store := newMemStore()
	alice := newClient(store, "Alice", "15", 14)
	bob := newClient(store, "Bob", "15", 14)
	store.addVisit(completedVisit(alice.id, alice.name, monday, "09:00", "10:00"))
	store.addVisit(completedVisit(bob.id, bob.name, monday, "09:00", "10:00"))
	svc := newTestService(store, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	started, release := make(chan struct{}), make(chan struct{})
	first := periodRequest()
	first.Progress = pauseOnFirst(started, release, nil)
	firstDone := startPeriod(firstCtx, svc, first)
	awaitSignal(t, started)

	secondDone := startPeriod(context.Background(), svc, periodRequest())
	key := periodRunKey(periodRequest())
	require.Eventually(t, func() bool { return svc.runs.waiting(key) == 2 }, 5*time.Second, 5*time.Millisecond)

	cancelFirst()
	a := awaitOutcome(t, firstDone)
	assert.ErrorIs(t, a.err, context.Canceled)
	close(release)

	b := awaitOutcome(t, secondDone)
	require.NoError(t, b.err)
	assert.Equal(t, 2, b.summary.SuccessCount)
	assert.Equal(t, 2, store.invoiceCount())
}
