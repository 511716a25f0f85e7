package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fsas/internal/queue"
	"fsas/internal/session"
)

func mismatch(sessionID, studentID string) session.AuditEvent {
	return session.AuditEvent{
		SessionID: sessionID,
		StudentID: studentID,
		Reason:    "signature_mismatch",
		At:        time.Now().UTC(),
	}
}

func TestSinkPublishesToQueue(t *testing.T) {
	q := queue.NewInMemory(4)
	sink := NewSink(q)
	require.NoError(t, sink.Record(context.Background(), mismatch("s1", "stu-1")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, MessageType, msg.Type)
		assert.Contains(t, string(msg.Body), "stu-1")
	case <-time.After(time.Second):
		t.Fatal("no message on queue")
	}
}

func TestMonitorFlagsAtThreshold(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMonitor(NewMemCounter(), zap.New(core))

	evt := mismatch("s1", "stu-1")
	for i := 0; i < FlagThreshold-1; i++ {
		m.Handle(context.Background(), evt)
	}
	assert.Zero(t, logs.FilterMessageSnippet("flagging").Len(), "below threshold stays quiet")

	m.Handle(context.Background(), evt)
	assert.Equal(t, 1, logs.FilterMessageSnippet("flagging").Len())

	// One more mismatch does not re-flag the same pair.
	m.Handle(context.Background(), evt)
	assert.Equal(t, 1, logs.FilterMessageSnippet("flagging").Len())
}

func TestMonitorKeepsPairsSeparate(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMonitor(NewMemCounter(), zap.New(core))

	for i := 0; i < FlagThreshold; i++ {
		m.Handle(context.Background(), mismatch("s1", "stu-1"))
		m.Handle(context.Background(), mismatch("s1", "stu-2"))
	}
	assert.Equal(t, 2, logs.FilterMessageSnippet("flagging").Len())
}

func TestMonitorRunConsumesQueue(t *testing.T) {
	q := queue.NewInMemory(8)
	sink := NewSink(q)
	core, logs := observer.New(zap.WarnLevel)
	m := NewMonitor(NewMemCounter(), zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, q)
		close(done)
	}()

	for i := 0; i < FlagThreshold; i++ {
		require.NoError(t, sink.Record(context.Background(), mismatch("s1", "stu-1")))
	}

	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("flagging").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
