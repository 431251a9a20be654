package natsbus

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/session"
	"agentd/internal/stream"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject, data})
	return f.err
}

var _ session.Notifier = (*Publisher)(nil)

func TestSubject(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", nil)
	assert.Equal(t, "agentd.sessions.abc.status", p.Subject("abc", EventStatus))

	p = newPublisher(&fakeConn{}, "team.agents.", nil)
	assert.Equal(t, "team.agents.abc.finished", p.Subject("abc", EventFinished))
}

func TestPublishesEachEvent(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "agentd.sessions", nil)

	p.SessionStatus("s1", session.StatusRunning)
	p.SessionMessage("s1", session.Message{ID: "m1", SessionID: "s1", Entry: stream.Entry{Kind: stream.KindAssistantText, Text: "hi"}})
	p.SessionFinished("s1", session.Completion{Status: session.StatusError, Failure: session.FailureTimeout, Error: "timed out after 1m0s"})

	require.Len(t, fc.msgs, 3)
	assert.Equal(t, "agentd.sessions.s1.status", fc.msgs[0].subject)
	assert.Equal(t, "agentd.sessions.s1.message", fc.msgs[1].subject)
	assert.Equal(t, "agentd.sessions.s1.finished", fc.msgs[2].subject)

	var status StatusEvent
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &status))
	assert.Equal(t, session.StatusRunning, status.Status)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[1].data, &msg))
	assert.Equal(t, "assistant_text", msg["kind"])
	assert.Equal(t, "hi", msg["text"])

	var fin FinishedEvent
	require.NoError(t, json.Unmarshal(fc.msgs[2].data, &fin))
	assert.Equal(t, session.FailureTimeout, fin.Failure)
	assert.Equal(t, "s1", fin.SessionID)
}

func TestPublishErrorIsNotFatal(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newPublisher(fc, "", nil)
	p.SessionStatus("s1", session.StatusCancelled)
	assert.Len(t, fc.msgs, 1)
}

func TestPublisherAgainstServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	p, err := Connect(url, "agentd.test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("agentd.test.*.status", ch)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	p.SessionStatus("s1", session.StatusRunning)

	select {
	case msg := <-ch:
		assert.Equal(t, "agentd.test.s1.status", msg.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
