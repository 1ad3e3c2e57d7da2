package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/arbiter/internal/config"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("arbiter.runs.run-1.>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	pub, err := Connect(config.EventsConfig{NATSURL: server.ClientURL(), SubjectPrefix: "arbiter.runs"}, nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-1", Stage: "reasoning", BranchID: "approach-02", Status: StatusStarted}))
	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-1", Stage: "verification", Status: StatusFailed, Message: "assertion failed"}))
	require.NoError(t, pub.Publish(ctx, Event{RunID: "run-2", Stage: "planner", Status: StatusStarted}))

	var got []*nats.Msg
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-timeout:
			t.Fatalf("received %d of 2 events", len(got))
		}
	}

	assert.Equal(t, "arbiter.runs.run-1.reasoning.started", got[0].Subject)
	assert.Equal(t, "arbiter.runs.run-1.verification.failed", got[1].Subject)

	var ev Event
	require.NoError(t, json.Unmarshal(got[0].Data, &ev))
	assert.Equal(t, "approach-02", ev.BranchID)
	assert.False(t, ev.Time.IsZero())

	select {
	case m := <-msgs:
		t.Fatalf("unexpected event on %s", m.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSPublisher_RejectsIncompleteEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewNATSPublisher(nc, "", nil)
	assert.Error(t, pub.Publish(context.Background(), Event{Stage: "planner", Status: StatusStarted}))
	require.NoError(t, pub.Close())
	assert.False(t, nc.IsClosed(), "borrowed connection stays open")
}

func TestSubject_SanitizesTokens(t *testing.T) {
	got := Subject("arbiter.runs", Event{RunID: "a.b", Stage: "x*", Status: StatusCompleted})
	assert.Equal(t, "arbiter.runs.a_b.x_.completed", got)
}

func TestConnect_EmptyURLIsNop(t *testing.T) {
	pub, err := Connect(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), Event{}))
	assert.NoError(t, pub.Close())
}
