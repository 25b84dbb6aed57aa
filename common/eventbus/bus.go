package eventbus

import (
	"sync"
	"time"

	"github.com/praxis-ai/praxis/common/logger"
)

// Lifecycle topics published by the execution engine.
const (
	TopicWorkflowStarted  = "workflow.started"
	TopicWorkflowFinished = "workflow.finished"
	TopicWorkflowFailed   = "workflow.failed"
	TopicWorkflowCanceled = "workflow.canceled"
	TopicNodeStarted      = "node.started"
	TopicNodeCompleted    = "node.completed"
	TopicNodeFailed       = "node.failed"
	TopicNodeCached       = "node.cached"
	TopicNodeSkipped      = "node.skipped"
	TopicApprovalRequired = "approval.required"
	TopicMonitorAlert     = "monitor.alert"
)

// TopicAll subscribes to every topic.
const TopicAll = "*"

// Envelope is the wire format for a single event.
type Envelope struct {
	Topic   string         `json:"topic"`
	RunID   string         `json:"run_id"`
	NodeID  string         `json:"node_id,omitempty"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Subscriber receives published events. Publication is synchronous; slow
// subscribers must queue internally.
type Subscriber func(ev Envelope)

// Bus is an in-process synchronous pub-sub for workflow lifecycle events.
// A panicking subscriber is logged and never stops publication.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Subscriber
	log    *logger.Logger
}

// New creates a new event bus
func New(log *logger.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[int]Subscriber),
		log:  log,
	}
}

// Subscribe registers fn for a topic (or TopicAll) and returns an
// unsubscribe function.
func (b *Bus) Subscribe(topic string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Subscriber)
	}
	b.subs[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers ev synchronously to all subscribers of its topic and of
// TopicAll. Delivery order across subscribers is unspecified.
func (b *Bus) Publish(ev Envelope) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs[ev.Topic])+len(b.subs[TopicAll]))
	for _, fn := range b.subs[ev.Topic] {
		targets = append(targets, fn)
	}
	for _, fn := range b.subs[TopicAll] {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

// deliver invokes one subscriber, swallowing panics
func (b *Bus) deliver(fn Subscriber, ev Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", "topic", ev.Topic, "panic", r)
		}
	}()
	fn(ev)
}
