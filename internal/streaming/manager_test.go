package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/models"
)

func event(typ, step string) models.ResearchEvent {
	return models.ResearchEvent{Type: typ, Step: step}
}

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("t1", 8)
	defer m.Unsubscribe("t1", ch)

	m.Publish("t1", event(models.EventProgress, "planning"))
	m.Publish("t1", event(models.EventMessage, "planning"))

	first := <-ch
	second := <-ch
	assert.Equal(t, models.EventProgress, first.Type)
	assert.Equal(t, uint64(0), first.Seq)
	assert.Equal(t, uint64(1), second.Seq)
	assert.False(t, first.Timestamp.IsZero())
}

func TestSubscriberIsolationByTrace(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("t1", 8)
	defer m.Unsubscribe("t1", ch)

	m.Publish("t2", event(models.EventProgress, "other"))
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for foreign trace: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsProgressEvents(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("t1", 1)
	defer m.Unsubscribe("t1", ch)

	m.Publish("t1", event(models.EventProgress, "one"))
	m.Publish("t1", event(models.EventProgress, "two")) // dropped, queue full

	got := <-ch
	assert.Equal(t, "one", got.Step)
	select {
	case evt := <-ch:
		t.Fatalf("second event should have been dropped, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminalEventEvictsQueuedEvent(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("t1", 1)
	defer m.Unsubscribe("t1", ch)

	m.Publish("t1", event(models.EventProgress, "stale"))
	m.Publish("t1", event(models.EventFinalReport, "report"))

	got := <-ch
	assert.Equal(t, models.EventFinalReport, got.Type, "terminal event must displace the stale one")
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	m.Publish("t1", event(models.EventProgress, "a"))
	m.Publish("t1", event(models.EventProgress, "b"))
	m.Publish("t1", event(models.EventFinalReport, "c"))

	replay := m.ReplaySince("t1", 0)
	require.Len(t, replay, 2)
	assert.Equal(t, "b", replay[0].Step)
	assert.Equal(t, "c", replay[1].Step)

	assert.Empty(t, m.ReplaySince("t1", 99))
	assert.Empty(t, m.ReplaySince("unknown", 0))
}

func TestReplayBoundedByCapacity(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 10; i++ {
		m.Publish("t1", event(models.EventProgress, "step"))
	}
	replay := m.ReplaySince("t1", 0)
	assert.Len(t, replay, 4)
	assert.Equal(t, uint64(6), replay[0].Seq)
}

func TestTerminalEventReleasesHistoryAfterRetention(t *testing.T) {
	m := NewManager(16)
	m.SetRetention(20 * time.Millisecond)

	m.Publish("t1", event(models.EventProgress, "a"))
	m.Publish("t1", event(models.EventFinalReport, "report"))
	require.Len(t, m.ReplaySince("t1", 0), 1, "buffer must survive the grace period for reconnects")

	assert.Eventually(t, func() bool {
		return len(m.ReplaySince("t1", 0)) == 0
	}, time.Second, 10*time.Millisecond, "buffer must be released after the retention window")
}

func TestNonTerminalEventsDoNotRelease(t *testing.T) {
	m := NewManager(16)
	m.SetRetention(10 * time.Millisecond)
	m.Publish("t1", event(models.EventProgress, "a"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, m.ReplaySince("t1", 0), 1)
}

func TestReleaseDropsHistory(t *testing.T) {
	m := NewManager(16)
	m.Publish("t1", event(models.EventProgress, "a"))
	m.Release("t1")
	assert.Empty(t, m.ReplaySince("t1", 0))
}

func TestRedisMirrorAppendAndRead(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewRedisMirror(client, zap.NewNop())

	m := NewManager(16)
	m.SetMirror(mirror)
	m.Publish("t1", event(models.EventProgress, "planning"))
	m.Publish("t1", event(models.EventFinalReport, "report"))

	msgs, err := mirror.Read(context.Background(), "t1", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "progress", msgs[0].Values["type"])
	assert.Equal(t, "final_report", msgs[1].Values["type"])
	assert.Contains(t, msgs[1].Values["payload"], `"trace_id":"t1"`)
}
