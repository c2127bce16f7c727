// Package eventbus fans task events out to NATS subjects so external
// consumers (dashboards, notifiers) can subscribe without polling the
// GET /api/events cursor endpoint. It is a side channel: the event log
// in Postgres is the source of truth, and a publish failure never blocks
// or rolls back the transaction that appended the event.
package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Publisher fans a single task event out to its NATS subject. It is held by
// the TaskEvent repo and called after every successful Append.
type Publisher interface {
	Publish(e *domain.TaskEvent)
	Close()
}

type natsPublisher struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewPublisher connects to the given NATS URL. An empty url disables
// publishing entirely (NewNoopPublisher is returned instead), which is the
// right default for tests and for operators who have not deployed NATS.
func NewPublisher(url string, baseLog *logger.Logger) (Publisher, error) {
	if url == "" {
		return NewNoopPublisher(), nil
	}
	conn, err := nats.Connect(url, nats.Name("orchestrator-event-bus"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &natsPublisher{conn: conn, log: baseLog.With("component", "EventBus")}, nil
}

// subject is tasks.<taskID>.events, letting a subscriber watch one task
// (tasks.<id>.events) or every task (tasks.*.events) via NATS wildcards.
func subject(taskID string) string {
	return fmt.Sprintf("tasks.%s.events", taskID)
}

func (p *natsPublisher) Publish(e *domain.TaskEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("event marshal failed", "task_id", e.TaskID, "error", err)
		return
	}
	if err := p.conn.Publish(subject(e.TaskID.String()), body); err != nil {
		p.log.Warn("event publish failed", "task_id", e.TaskID, "error", err)
	}
}

func (p *natsPublisher) Close() {
	p.conn.Drain()
}

type noopPublisher struct{}

// NewNoopPublisher is the Publisher used when no NATS URL is configured.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(*domain.TaskEvent) {}
func (noopPublisher) Close()                    {}
