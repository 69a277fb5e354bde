// Package ur implements the correlated request/reply RPC protocol between
// the control plane and the per-node execution agents, layered over the
// topic-routed message bus.
//
// Every call owns an ephemeral reply queue named after a fresh correlation
// id. The agent replies to ur.execute-reply.<node>.<reqid>, which only this
// call's queue is bound to. The broker may deliver duplicate replies; the
// continuation is latched so it fires exactly once, and the reply queue is
// torn down after a short grace delay to absorb stragglers.
package ur

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
)

const (
	// Exchange is the topic exchange all ur traffic flows over.
	Exchange = "ur"

	// replyQueuePrefix names ephemeral reply queues: ur.cnapi.<reqid>.
	replyQueuePrefix = "ur.cnapi."

	// sysinfoQueue is the long-lived queue for unsolicited sysinfo and
	// startup announcements from compute nodes.
	sysinfoQueue = "ur.cnapi.sysinfo"

	// replyGraceDelay is how long a reply queue outlives the first reply.
	// Agents occasionally double-send; deleting the queue immediately
	// would bounce the duplicate back into the broker's dead letter path.
	replyGraceDelay = 1 * time.Second
)

// ErrCommandTimeout is returned by Execute when the target node does not
// reply within the caller's timeout.
var ErrCommandTimeout = errors.New("ur: command timed out")

// ExecResult is the outcome of a remote script execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus int    `json:"exit_status"`
}

// ExecRequest is the payload published to an agent for execution.
type ExecRequest struct {
	Type    string   `json:"type"` // "script"
	Script  string   `json:"script"`
	Args    []string `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int      `json:"timeout,omitempty"` // milliseconds, enforced agent-side too
}

// SysinfoHandler receives every sysinfo document a node announces, along
// with the node UUID extracted from the routing key.
type SysinfoHandler func(serverUUID string, sysinfo db.Sysinfo)

// Client speaks the ur protocol over the bus.
// The zero value is not usable — create instances with New.
type Client struct {
	bus    bus.Bus
	logger *zap.Logger
}

// New creates a ur Client.
func New(b bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		bus:    b,
		logger: logger.Named("ur"),
	}
}

// Execute runs a script on the target node and waits for the reply.
//
// The reply continuation fires at most once even if the broker delivers the
// reply twice. On timeout the reply queue is destroyed immediately and
// ErrCommandTimeout is returned; a reply arriving after that is dropped by
// the latch and never reaches the caller.
func (c *Client) Execute(ctx context.Context, target uuid.UUID, req ExecRequest, timeout time.Duration) (*ExecResult, error) {
	reqID := uuid.NewString()
	queue := replyQueuePrefix + reqID
	replyKey := fmt.Sprintf("ur.execute-reply.%s.%s", target, reqID)
	executeKey := fmt.Sprintf("ur.execute.%s.%s", target, reqID)

	log := c.logger.With(
		zap.String("server_uuid", target.String()),
		zap.String("req_id", reqID),
	)

	if err := c.bus.DeclareQueue(queue, bus.QueueOptions{AutoDelete: true, Exclusive: true}); err != nil {
		return nil, err
	}
	if err := c.bus.BindQueue(queue, Exchange, replyKey); err != nil {
		c.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}

	// One-shot latch: only the first delivery makes it onto the channel.
	replyCh := make(chan []byte, 1)
	var once sync.Once
	err := c.bus.Subscribe(queue, func(d bus.Delivery) {
		once.Do(func() {
			replyCh <- d.Body
		})
	})
	if err != nil {
		c.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, fmt.Errorf("ur: marshal request: %w", err)
	}
	if err := c.bus.Publish(ctx, Exchange, executeKey, body); err != nil {
		c.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-replyCh:
		// Keep the queue around briefly to swallow duplicate replies,
		// then delete it off the caller's critical path.
		go func() {
			time.Sleep(replyGraceDelay)
			if err := c.bus.DeleteQueue(queue); err != nil {
				log.Warn("failed to delete reply queue", zap.Error(err))
			}
		}()

		var result ExecResult
		if err := json.Unmarshal(raw, &result); err != nil {
			metrics.UrExecutes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("ur: malformed reply: %w", err)
		}
		metrics.UrExecutes.WithLabelValues("ok").Inc()
		log.Debug("execute reply received", zap.Int("exit_status", result.ExitStatus))
		return &result, nil

	case <-timer.C:
		c.bus.DeleteQueue(queue) //nolint:errcheck
		metrics.UrExecutes.WithLabelValues("timeout").Inc()
		log.Warn("execute timed out", zap.Duration("timeout", timeout))
		return nil, ErrCommandTimeout

	case <-ctx.Done():
		c.bus.DeleteQueue(queue) //nolint:errcheck
		return nil, ctx.Err()
	}
}

// BroadcastSysinfo asks every listening node to report sysinfo and collects
// replies for the duration of the window. Nodes that do not answer inside
// the window are silently omitted — broadcast is best-effort by design.
func (c *Client) BroadcastSysinfo(ctx context.Context, window time.Duration) ([]db.Sysinfo, error) {
	reqID := uuid.NewString()
	queue := replyQueuePrefix + reqID

	if err := c.bus.DeclareQueue(queue, bus.QueueOptions{AutoDelete: true, Exclusive: true}); err != nil {
		return nil, err
	}
	defer c.bus.DeleteQueue(queue) //nolint:errcheck

	// A single shared reply queue bound with a node wildcard collects
	// replies from the whole fleet.
	if err := c.bus.BindQueue(queue, Exchange, fmt.Sprintf("ur.execute-reply.*.%s", reqID)); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var collected []db.Sysinfo
	err := c.bus.Subscribe(queue, func(d bus.Delivery) {
		var si db.Sysinfo
		if err := json.Unmarshal(d.Body, &si); err != nil {
			c.logger.Warn("dropping malformed broadcast reply",
				zap.String("routing_key", d.RoutingKey),
				zap.Error(err),
			)
			return
		}
		mu.Lock()
		collected = append(collected, si)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	if err := c.bus.Publish(ctx, Exchange, "ur.broadcast.sysinfo."+reqID, []byte("{}")); err != nil {
		return nil, err
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	c.logger.Info("sysinfo broadcast complete",
		zap.String("req_id", reqID),
		zap.Int("responders", len(collected)),
	)
	return collected, nil
}

// SubscribeSysinfo binds the long-lived sysinfo queue and routes every
// announcement to h. Nodes publish to ur.sysinfo.<uuid> on boot and on
// demand; older agents use ur.startup.<uuid>, which is handled identically.
func (c *Client) SubscribeSysinfo(h SysinfoHandler) error {
	opts := bus.QueueOptions{Redeclare: true}
	if err := c.bus.DeclareQueue(sysinfoQueue, opts); err != nil {
		return err
	}
	if err := c.bus.BindQueue(sysinfoQueue, Exchange, "ur.sysinfo.#"); err != nil {
		return err
	}
	if err := c.bus.BindQueue(sysinfoQueue, Exchange, "ur.startup.#"); err != nil {
		return err
	}

	return c.bus.Subscribe(sysinfoQueue, func(d bus.Delivery) {
		serverUUID := nodeFromRoutingKey(d.RoutingKey)
		if serverUUID == "" {
			c.logger.Warn("sysinfo with unparseable routing key",
				zap.String("routing_key", d.RoutingKey))
			return
		}
		var si db.Sysinfo
		if err := json.Unmarshal(d.Body, &si); err != nil {
			c.logger.Warn("dropping malformed sysinfo",
				zap.String("server_uuid", serverUUID),
				zap.Error(err),
			)
			return
		}
		h(serverUUID, si)
	})
}

// nodeFromRoutingKey extracts the node UUID — the third dot-separated
// segment of keys like ur.sysinfo.<uuid>.
func nodeFromRoutingKey(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
