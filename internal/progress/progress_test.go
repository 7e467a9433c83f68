package progress

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

func itemEvent(jobID string, n int) models.ProgressEvent {
	return models.ProgressEvent{
		Type:    models.EventItemUpdate,
		JobID:   jobID,
		Payload: models.ItemUpdate{SourcePath: string(rune('a' + n)), Status: models.ItemCompleted},
	}
}

func progressEvent(jobID string, pct int) models.ProgressEvent {
	return models.ProgressEvent{
		Type:    models.EventJobProgress,
		JobID:   jobID,
		Payload: models.JobProgress{Status: models.JobRunning, ProgressPercent: pct},
	}
}

func next(t *testing.T, s *Subscription) models.ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestBroker_FanOutAndOrder(t *testing.T) {
	b := NewBroker(16, nil)
	s1 := b.Subscribe("job-1")
	s2 := b.Subscribe("job-1")
	other := b.Subscribe("job-2")
	defer other.Close()

	b.Publish(itemEvent("job-1", 0))
	b.Publish(progressEvent("job-1", 50))

	for _, s := range []*Subscription{s1, s2} {
		assert.Equal(t, models.EventItemUpdate, next(t, s).Type)
		assert.Equal(t, models.EventJobProgress, next(t, s).Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := other.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_NoSubscribers(t *testing.T) {
	b := NewBroker(4, nil)
	b.Publish(progressEvent("nobody", 10))
	assert.Equal(t, 0, b.Subscribers("nobody"))
}

func TestBroker_TerminalEndsSubscription(t *testing.T) {
	b := NewBroker(16, nil)
	s := b.Subscribe("job")

	b.Publish(progressEvent("job", 100))
	b.Publish(models.ProgressEvent{Type: models.EventJobComplete, JobID: "job", Payload: models.JobProgress{Status: models.JobCompleted}})
	b.Publish(itemEvent("job", 1)) // after terminal, never delivered

	assert.Equal(t, 0, b.Subscribers("job"))
	assert.Equal(t, models.EventJobProgress, next(t, s).Type)
	assert.Equal(t, models.EventJobComplete, next(t, s).Type)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroker_SlowSubscriberCoalescesItemUpdates(t *testing.T) {
	m := metrics.New()
	b := NewBroker(4, m)
	s := b.Subscribe("job")
	defer s.Close()

	b.Publish(progressEvent("job", 0))
	for i := 0; i < 10; i++ {
		b.Publish(itemEvent("job", i))
	}
	b.Publish(progressEvent("job", 60))
	b.Publish(models.ProgressEvent{Type: models.EventJobFailed, JobID: "job"})

	var got []models.ProgressEvent
	for {
		ev, err := s.Next(context.Background())
		if err != nil {
			break
		}
		got = append(got, ev)
	}

	var progress, terminal int
	for _, ev := range got {
		switch ev.Type {
		case models.EventJobProgress:
			progress++
		case models.EventJobFailed:
			terminal++
		}
	}
	assert.Equal(t, 2, progress, "job_progress is never dropped")
	assert.Equal(t, 1, terminal)
	assert.Equal(t, models.EventJobFailed, got[len(got)-1].Type, "terminal event is last")
	// 10 item updates, room for 4 events in total
	assert.Len(t, got, 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "workbench_progress_events_dropped_total 9")
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker(2, nil)
	s := b.Subscribe("job")
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(itemEvent("job", i%26))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never reads")
	}
}

func TestBroker_CloseUnregisters(t *testing.T) {
	b := NewBroker(4, nil)
	s := b.Subscribe("job")
	assert.Equal(t, 1, b.Subscribers("job"))
	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers("job"))

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBroker_ConcurrentSubscribers(t *testing.T) {
	b := NewBroker(64, nil)
	var wg sync.WaitGroup
	results := make([]int, 8)
	subs := make([]*Subscription, len(results))
	for i := range subs {
		subs[i] = b.Subscribe("job")
	}
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			for {
				ev, err := s.Next(context.Background())
				if err != nil {
					return
				}
				if ev.Type == models.EventJobProgress {
					results[i]++
				}
			}
		}(i, s)
	}
	for pct := 0; pct <= 100; pct += 10 {
		b.Publish(progressEvent("job", pct))
	}
	b.Publish(models.ProgressEvent{Type: models.EventJobComplete, JobID: "job"})
	wg.Wait()

	for _, n := range results {
		assert.Equal(t, 11, n)
	}
}

func TestTickets_RedeemOnce(t *testing.T) {
	tickets, err := NewTickets([]byte("test-secret"), time.Minute)
	require.NoError(t, err)

	tk, err := tickets.Issue("job-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tk.ExpiresAt, 5*time.Second)

	require.NoError(t, tickets.Redeem(tk.Ticket, "job-1"))
	assert.ErrorIs(t, tickets.Redeem(tk.Ticket, "job-1"), ErrInvalidTicket, "single use")
}

func TestTickets_Rejects(t *testing.T) {
	tickets, err := NewTickets([]byte("test-secret"), time.Minute)
	require.NoError(t, err)
	other, err := NewTickets([]byte("other-secret"), time.Minute)
	require.NoError(t, err)

	tk, err := tickets.Issue("job-1")
	require.NoError(t, err)
	forged, err := other.Issue("job-1")
	require.NoError(t, err)

	assert.ErrorIs(t, tickets.Redeem(tk.Ticket, "job-2"), ErrInvalidTicket, "wrong job")
	assert.ErrorIs(t, tickets.Redeem(forged.Ticket, "job-1"), ErrInvalidTicket, "wrong key")
	assert.ErrorIs(t, tickets.Redeem("garbage", "job-1"), ErrInvalidTicket)

	tickets.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, err := tickets.Issue("job-1")
	require.NoError(t, err)
	tickets.now = time.Now
	assert.ErrorIs(t, tickets.Redeem(expired.Ticket, "job-1"), ErrInvalidTicket, "expired")
}
