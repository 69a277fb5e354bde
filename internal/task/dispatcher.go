// Package task dispatches asynchronous commands to compute node agents and
// tracks their progress as persisted task records.
//
// A dispatched command gets a task record (status active) and a dedicated
// event queue bound to the agent's progress stream. Every event the agent
// emits is appended to the task's history; the terminal "finish" or "error"
// event flips the status, releases all waiters, and tears the queue down.
// Event processing for one task runs on its queue's consumer goroutine, so
// history updates are naturally serialized per task.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/bus"
	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// Exchange is the topic exchange carrying task commands and events.
const Exchange = "cnapi"

// Agent event names with dispatcher-side meaning. Everything else is
// recorded verbatim as progress.
const (
	eventFinish = "finish"
	eventError  = "error"
)

// ErrWaitTimeout is returned by Wait when the task does not reach a
// terminal state within the caller's timeout. The task returned alongside
// it is the last-known state — the task is still running, and the timeout
// is not an error of the task itself.
var ErrWaitTimeout = errors.New("task: wait timed out")

// Notifier receives every persisted task event. The server wires this to
// the websocket hub so clients can follow task progress live.
type Notifier func(task *db.Task, event db.TaskEvent)

// command is the message published to the agent.
type command struct {
	TaskID   string      `json:"task_id"`
	ClientID string      `json:"client_id"`
	ReqID    string      `json:"req_id"`
	Params   interface{} `json:"params"`
}

// Dispatcher sends tasks and ingests their event streams.
// The zero value is not usable — create instances with New.
type Dispatcher struct {
	bus    bus.Bus
	tasks  store.TaskRepository
	logger *zap.Logger

	// clientID identifies this control plane instance in event routing
	// keys, so an agent's replies never land on a different deployment
	// sharing the broker.
	clientID string

	notify Notifier

	mu      sync.Mutex
	waiters map[uuid.UUID][]chan *db.Task
}

// New creates a Dispatcher. notify may be nil.
func New(b bus.Bus, tasks store.TaskRepository, notify Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      b,
		tasks:    tasks,
		logger:   logger.Named("task"),
		clientID: uuid.NewString(),
		notify:   notify,
		waiters:  make(map[uuid.UUID][]chan *db.Task),
	}
}

// Send persists a task record and publishes the command to the target
// agent. The returned task is already visible via Get and Wait.
//
// Routing: commands go to <resource>.<node>.task.<name>; the agent streams
// events back on <resource>.<node>.event.<event>.<client>.<task>, which
// only this task's queue is bound to.
func (d *Dispatcher) Send(ctx context.Context, resource string, target uuid.UUID, name string, params interface{}, timeout time.Duration, reqID string) (*db.Task, error) {
	t := &db.Task{
		ServerUUID: target,
		Name:       name,
		Status:     db.TaskStatusActive,
		TimeoutSec: int(timeout / time.Second),
		History:    []db.TaskEvent{},
		ReqID:      reqID,
	}
	if err := d.tasks.Create(ctx, t); err != nil {
		return nil, err
	}

	log := d.logger.With(
		zap.String("task_id", t.ID.String()),
		zap.String("server_uuid", target.String()),
		zap.String("task_name", name),
	)

	queue := "task." + t.ID.String()
	eventPattern := fmt.Sprintf("%s.%s.event.*.%s.%s", resource, target, d.clientID, t.ID)

	if err := d.bus.DeclareQueue(queue, bus.QueueOptions{AutoDelete: true}); err != nil {
		return nil, err
	}
	if err := d.bus.BindQueue(queue, Exchange, eventPattern); err != nil {
		d.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}
	if err := d.bus.Subscribe(queue, func(del bus.Delivery) {
		d.handleEvent(t.ID, queue, del)
	}); err != nil {
		d.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}

	body, err := json.Marshal(command{
		TaskID:   t.ID.String(),
		ClientID: d.clientID,
		ReqID:    reqID,
		Params:   params,
	})
	if err != nil {
		d.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, fmt.Errorf("task: marshal command: %w", err)
	}

	commandKey := fmt.Sprintf("%s.%s.task.%s", resource, target, name)
	if err := d.bus.Publish(ctx, Exchange, commandKey, body); err != nil {
		d.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}

	metrics.TasksDispatched.WithLabelValues(name).Inc()
	log.Info("task dispatched", zap.String("routing_key", commandKey))
	return t, nil
}

// Get reads a task straight through from the store.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	return d.tasks.Get(ctx, id)
}

// Wait blocks until the task reaches a terminal state or timeout elapses.
// Multiple concurrent waiters per task are supported; each is notified
// exactly once. On timeout the last-known task state is returned together
// with ErrWaitTimeout.
func (d *Dispatcher) Wait(ctx context.Context, id uuid.UUID, timeout time.Duration) (*db.Task, error) {
	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != db.TaskStatusActive {
		return t, nil
	}

	// Register before re-checking so a terminal event landing between the
	// check and the registration cannot be missed.
	ch := make(chan *db.Task, 1)
	d.addWaiter(id, ch)
	defer d.removeWaiter(id, ch)

	t, err = d.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != db.TaskStatusActive {
		return t, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-ch:
		return done, nil
	case <-timer.C:
		last, err := d.tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return last, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleEvent appends one agent event to the task history and handles
// terminal transitions. Duplicate deliveries after the task is terminal
// are dropped, which keeps event ingestion idempotent.
func (d *Dispatcher) handleEvent(id uuid.UUID, queue string, del bus.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eventName := eventFromRoutingKey(del.RoutingKey)
	if eventName == "" {
		d.logger.Warn("task event with unparseable routing key",
			zap.String("routing_key", del.RoutingKey))
		return
	}

	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		d.logger.Error("task vanished while events pending",
			zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	if t.Status != db.TaskStatusActive {
		return
	}

	var payload map[string]any
	if len(del.Body) > 0 {
		if err := json.Unmarshal(del.Body, &payload); err != nil {
			d.logger.Warn("task event with malformed payload",
				zap.String("task_id", id.String()),
				zap.String("event", eventName),
				zap.Error(err),
			)
			payload = nil
		}
	}

	event := db.TaskEvent{
		Name:      eventName,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	t.History = append(t.History, event)

	terminal := false
	switch eventName {
	case eventFinish:
		t.Status = db.TaskStatusComplete
		terminal = true
	case eventError:
		t.Status = db.TaskStatusFailure
		terminal = true
	}

	if err := d.tasks.Update(ctx, t); err != nil {
		d.logger.Error("failed to persist task event",
			zap.String("task_id", id.String()),
			zap.String("event", eventName),
			zap.Error(err),
		)
		return
	}

	if d.notify != nil {
		d.notify(t, event)
	}

	if terminal {
		metrics.TasksCompleted.WithLabelValues(t.Status).Inc()
		d.logger.Info("task finished",
			zap.String("task_id", id.String()),
			zap.String("status", t.Status),
			zap.Int("events", len(t.History)),
		)
		d.notifyWaiters(id, t)
		d.bus.DeleteQueue(queue) //nolint:errcheck
	}
}

func (d *Dispatcher) addWaiter(id uuid.UUID, ch chan *db.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters[id] = append(d.waiters[id], ch)
}

// removeWaiter drops a single waiter registration, e.g. after a timeout.
// A waiter that already left must not receive later callbacks.
func (d *Dispatcher) removeWaiter(id uuid.UUID, ch chan *db.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[id]
	for i, c := range list {
		if c == ch {
			d.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.waiters[id]) == 0 {
		delete(d.waiters, id)
	}
}

// notifyWaiters delivers the terminal task to every registered waiter and
// clears the registration, so each waiter observes exactly one wakeup.
func (d *Dispatcher) notifyWaiters(id uuid.UUID, t *db.Task) {
	d.mu.Lock()
	list := d.waiters[id]
	delete(d.waiters, id)
	d.mu.Unlock()

	for _, ch := range list {
		// Buffered channel of one — never blocks, and a waiter that has
		// already timed out simply never reads it.
		ch <- t
	}
}

// eventFromRoutingKey extracts the event name — the fourth dot-separated
// segment of keys like provisioner.<node>.event.<name>.<client>.<task>.
func eventFromRoutingKey(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}
