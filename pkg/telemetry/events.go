package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit record emitted during a workflow run.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source names the emitting component.
	Source string `json:"source"`

	RunID          string `json:"run_id,omitempty"`
	Step           string `json:"step,omitempty"`
	Classification string `json:"classification,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted          = "run.started"
	EventTypeRunCompleted        = "run.completed"
	EventTypeStepStarted         = "step.started"
	EventTypeStepCompleted       = "step.completed"
	EventTypeStepFailed          = "step.failed"
	EventTypeStateChanged        = "workflow.state_changed"
	EventTypeRecoverySucceeded   = "recovery.succeeded"
	EventTypeRecoveryFailed      = "recovery.failed"
	EventTypeRemediationExecuted = "remediation.executed"
	EventTypeRemediationDenied   = "remediation.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter decides whether an event is delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, optionally from a
// background goroutine. A nil *EventPublisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher and starts its delivery loop when
// async delivery is enabled.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
		ep.config = cfg
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Publish stamps and delivers an event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.done:
		return ErrPublisherStopped
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s event", event.Type)
	}
}

// PublishRunStarted publishes a run.started event.
func (ep *EventPublisher) PublishRunStarted(runID, mode string, steps []string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "workflow",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started in %s mode", runID, mode),
		Data:    map[string]any{"mode": mode, "steps": steps},
	})
}

// PublishRunCompleted publishes a run.completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "workflow",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   level,
		Data:    map[string]any{"status": status, "duration": duration.Seconds()},
	})
}

// PublishStepStarted publishes a step.started event.
func (ep *EventPublisher) PublishStepStarted(runID, step string, attempt int) error {
	return ep.Publish(Event{
		Type:    EventTypeStepStarted,
		Source:  "workflow",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s started (attempt %d)", step, attempt),
		Data:    map[string]any{"attempt": attempt},
	})
}

// PublishStepCompleted publishes a step.completed event.
func (ep *EventPublisher) PublishStepCompleted(runID, step string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStepCompleted,
		Source:  "workflow",
		RunID:   runID,
		Step:    step,
		Message: fmt.Sprintf("Step %s completed", step),
		Data:    map[string]any{"duration": duration.Seconds()},
	})
}

// PublishStepFailed publishes a step.failed event.
func (ep *EventPublisher) PublishStepFailed(runID, step, classification, reason string) error {
	return ep.Publish(Event{
		Type:           EventTypeStepFailed,
		Source:         "workflow",
		RunID:          runID,
		Step:           step,
		Classification: classification,
		Message:        fmt.Sprintf("Step %s failed: %s", step, reason),
		Level:          EventLevelError,
	})
}

// PublishStateChanged publishes a workflow.state_changed event.
func (ep *EventPublisher) PublishStateChanged(runID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeStateChanged,
		Source:  "workflow",
		RunID:   runID,
		Message: fmt.Sprintf("Workflow state %s -> %s", from, to),
		Data:    map[string]any{"from": from, "to": to},
	})
}

// PublishRecovery publishes recovery.succeeded or recovery.failed.
func (ep *EventPublisher) PublishRecovery(runID, step, classification, outcome string, retryCount int) error {
	ev := Event{
		Source:         "recovery",
		RunID:          runID,
		Step:           step,
		Classification: classification,
		Data:           map[string]any{"outcome": outcome, "retry_count": retryCount},
	}
	if outcome != "" {
		ev.Type = EventTypeRecoverySucceeded
		ev.Message = fmt.Sprintf("Recovered %s error in %s (%s)", classification, step, outcome)
	} else {
		ev.Type = EventTypeRecoveryFailed
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("Could not recover %s error in %s", classification, step)
	}
	return ep.Publish(ev)
}

// PublishRemediation publishes remediation.executed or remediation.denied.
func (ep *EventPublisher) PublishRemediation(runID, step, command string, executed bool, reason string) error {
	ev := Event{
		Source:  "remediation",
		RunID:   runID,
		Step:    step,
		Data:    map[string]any{"command": command},
		Message: fmt.Sprintf("Remediation command executed: %s", command),
		Type:    EventTypeRemediationExecuted,
	}
	if !executed {
		ev.Type = EventTypeRemediationDenied
		ev.Level = EventLevelWarning
		ev.Message = fmt.Sprintf("Remediation command not executed: %s (%s)", command, reason)
		ev.Data["reason"] = reason
	}
	return ep.Publish(ev)
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a global filter applied before buffering.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// run batches buffered events and delivers them on size or interval.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, ev := range batch {
			ep.deliver(ev)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-ep.buffer:
			batch = append(batch, ev)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.done:
			for {
				select {
				case ev := <-ep.buffer:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver calls matching subscribers in registration order.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the delivery loop after draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.stopOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout: %w", ctx.Err())
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minValue
	}
}

// FilterByType allows only the listed event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID allows only events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
