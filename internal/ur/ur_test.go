package ur

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/bus"
	"github.com/fleetwise-io/fleetwise/internal/db"
)

// fakeBus is an in-memory bus.Bus with AMQP-style topic matching. Tests
// inject an onPublish hook to play the agent side of the conversation.
type fakeBus struct {
	mu      sync.Mutex
	queues  map[string]*fakeQueue
	deleted []string

	onPublish func(exchange, key string, body []byte)
}

type fakeQueue struct {
	bindings [][2]string // (exchange, pattern)
	handler  bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{queues: make(map[string]*fakeQueue)}
}

func (f *fakeBus) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(exchange, routingKey, body)
	}
	return nil
}

func (f *fakeBus) DeclareQueue(name string, _ bus.QueueOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = &fakeQueue{}
	return nil
}

func (f *fakeBus) BindQueue(queue, exchange, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[queue]
	if !ok {
		return bus.ErrNotConnected
	}
	q.bindings = append(q.bindings, [2]string{exchange, pattern})
	return nil
}

func (f *fakeBus) Subscribe(queue string, h bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[queue]
	if !ok {
		return bus.ErrNotConnected
	}
	q.handler = h
	return nil
}

func (f *fakeBus) DeleteQueue(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeBus) Connected() bool { return true }

// deliver routes a message to every queue bound with a matching pattern.
func (f *fakeBus) deliver(exchange, routingKey string, body []byte) {
	f.mu.Lock()
	var handlers []bus.Handler
	for _, q := range f.queues {
		if q.handler == nil {
			continue
		}
		for _, b := range q.bindings {
			if b[0] == exchange && topicMatch(b[1], routingKey) {
				handlers = append(handlers, q.handler)
				break
			}
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(bus.Delivery{RoutingKey: routingKey, Body: body})
	}
}

// topicMatch implements AMQP topic semantics: * matches one segment,
// # matches zero or more trailing segments.
func topicMatch(pattern, key string) bool {
	ps := strings.Split(pattern, ".")
	ks := strings.Split(key, ".")
	for i, p := range ps {
		if p == "#" {
			return true
		}
		if i >= len(ks) {
			return false
		}
		if p != "*" && p != ks[i] {
			return false
		}
	}
	return len(ps) == len(ks)
}

func TestExecuteRoundTrip(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zap.NewNop())
	target := uuid.New()

	fb.onPublish = func(_, key string, body []byte) {
		if !strings.HasPrefix(key, "ur.execute.") {
			return
		}
		var req ExecRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "script", req.Type)
		assert.Equal(t, "#!/bin/bash\nuptime", req.Script)

		replyKey := "ur.execute-reply." + strings.TrimPrefix(key, "ur.execute.")
		reply, _ := json.Marshal(ExecResult{Stdout: "up 3 days", ExitStatus: 0})
		fb.deliver(Exchange, replyKey, reply)
	}

	result, err := c.Execute(context.Background(), target, ExecRequest{
		Type:   "script",
		Script: "#!/bin/bash\nuptime",
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "up 3 days", result.Stdout)
	assert.Equal(t, 0, result.ExitStatus)
}

func TestExecuteDuplicateReplyIgnored(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zap.NewNop())

	fb.onPublish = func(_, key string, _ []byte) {
		if !strings.HasPrefix(key, "ur.execute.") {
			return
		}
		replyKey := "ur.execute-reply." + strings.TrimPrefix(key, "ur.execute.")
		reply, _ := json.Marshal(ExecResult{ExitStatus: 7})
		// Brokers may redeliver; only the first reply must count.
		fb.deliver(Exchange, replyKey, reply)
		fb.deliver(Exchange, replyKey, []byte("not json"))
	}

	result, err := c.Execute(context.Background(), uuid.New(), ExecRequest{Type: "script"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitStatus)
}

func TestExecuteTimeout(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zap.NewNop())

	_, err := c.Execute(context.Background(), uuid.New(), ExecRequest{Type: "script"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	// The reply queue is torn down immediately on timeout.
	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Empty(t, fb.queues)
	assert.Len(t, fb.deleted, 1)
}

func TestSubscribeSysinfoRoutesAnnouncements(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zap.NewNop())

	type announcement struct {
		serverUUID string
		hostname   string
	}
	got := make(chan announcement, 2)
	require.NoError(t, c.SubscribeSysinfo(func(serverUUID string, si db.Sysinfo) {
		got <- announcement{serverUUID: serverUUID, hostname: si.Hostname()}
	}))

	node := uuid.NewString()
	body, _ := json.Marshal(map[string]any{"UUID": node, "Hostname": "cn0"})
	fb.deliver(Exchange, "ur.sysinfo."+node, body)

	select {
	case a := <-got:
		assert.Equal(t, node, a.serverUUID)
		assert.Equal(t, "cn0", a.hostname)
	default:
		t.Fatal("sysinfo announcement not delivered")
	}

	// Legacy startup announcements land on the same handler.
	fb.deliver(Exchange, "ur.startup."+node, body)
	select {
	case a := <-got:
		assert.Equal(t, node, a.serverUUID)
	default:
		t.Fatal("startup announcement not delivered")
	}

	// Malformed documents are dropped, not delivered.
	fb.deliver(Exchange, "ur.sysinfo."+node, []byte("not json"))
	select {
	case <-got:
		t.Fatal("malformed sysinfo should have been dropped")
	default:
	}
}

func TestBroadcastSysinfoCollectsReplies(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zap.NewNop())

	fb.onPublish = func(_, key string, _ []byte) {
		if !strings.HasPrefix(key, "ur.broadcast.sysinfo.") {
			return
		}
		reqID := strings.TrimPrefix(key, "ur.broadcast.sysinfo.")
		for _, hostname := range []string{"cn0", "cn1"} {
			body, _ := json.Marshal(map[string]any{"UUID": uuid.NewString(), "Hostname": hostname})
			fb.deliver(Exchange, "ur.execute-reply."+uuid.NewString()+"."+reqID, body)
		}
	}

	collected, err := c.BroadcastSysinfo(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, collected, 2)
}
