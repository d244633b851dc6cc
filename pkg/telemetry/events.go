package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Bootstrappo system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// PassID is the associated reconcile pass ID, if applicable.
	PassID string `json:"pass_id,omitempty"`

	// StepID is the associated step ID, if applicable.
	StepID string `json:"step_id,omitempty"`

	// TargetKey is the associated rotation target key, if applicable.
	TargetKey string `json:"target_key,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypePassStarted         = "pass.started"
	EventTypePassCompleted       = "pass.completed"
	EventTypePassFailed          = "pass.failed"
	EventTypeStepStarted         = "step.started"
	EventTypeStepVerified        = "step.verified"
	EventTypeStepFailed          = "step.failed"
	EventTypeCapabilityDetected  = "capability.detected"
	EventTypeDetectionDivergence = "detection.divergence"
	EventTypeRotationApplied     = "rotation.applied"
	EventTypeRotationFailed      = "rotation.failed"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishPassStarted publishes a pass started event.
func (ep *EventPublisher) PublishPassStarted(passID, cause string) error {
	return ep.Publish(Event{
		Type:    EventTypePassStarted,
		Source:  "reconciler",
		PassID:  passID,
		Message: fmt.Sprintf("Pass %s started (cause: %s)", passID, cause),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"cause": cause,
		},
	})
}

// PublishPassCompleted publishes a pass completed event.
func (ep *EventPublisher) PublishPassCompleted(passID, phase string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePassCompleted,
		Source:  "reconciler",
		PassID:  passID,
		Message: fmt.Sprintf("Pass %s completed with phase: %s", passID, phase),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"phase":    phase,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPassFailed publishes a pass failed event.
func (ep *EventPublisher) PublishPassFailed(passID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePassFailed,
		Source:  "reconciler",
		PassID:  passID,
		Message: fmt.Sprintf("Pass %s failed: %s", passID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStepStarted publishes a step started event.
func (ep *EventPublisher) PublishStepStarted(passID, stepID, operation string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepStarted,
		Source:  "executor",
		PassID:  passID,
		StepID:  stepID,
		Message: fmt.Sprintf("Step %s started: %s", stepID, operation),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
		},
	})
}

// PublishStepVerified publishes a step verified event.
func (ep *EventPublisher) PublishStepVerified(passID, stepID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStepVerified,
		Source:  "executor",
		PassID:  passID,
		StepID:  stepID,
		Message: fmt.Sprintf("Step %s verified", stepID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishStepFailed publishes a step failed event.
func (ep *EventPublisher) PublishStepFailed(passID, stepID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepFailed,
		Source:  "executor",
		PassID:  passID,
		StepID:  stepID,
		Message: fmt.Sprintf("Step %s failed: %s", stepID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCapabilityDetected publishes a capability detection event.
func (ep *EventPublisher) PublishCapabilityDetected(capability, source string, available bool) error {
	return ep.Publish(Event{
		Type:    EventTypeCapabilityDetected,
		Source:  "detector",
		Message: fmt.Sprintf("Capability %s detected via %s: available=%t", capability, source, available),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"capability": capability,
			"source":     source,
			"available":  available,
		},
	})
}

// PublishDetectionDivergence publishes a detection divergence event.
func (ep *EventPublisher) PublishDetectionDivergence(capability string, apiAvailable, subprocessAvailable bool) error {
	return ep.Publish(Event{
		Type:    EventTypeDetectionDivergence,
		Source:  "detector",
		Message: fmt.Sprintf("Detection sources diverge for %s: api=%t subprocess=%t", capability, apiAvailable, subprocessAvailable),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"capability": capability,
			"api":        apiAvailable,
			"subprocess": subprocessAvailable,
		},
	})
}

// PublishRotationApplied publishes a rotation applied event.
func (ep *EventPublisher) PublishRotationApplied(targetKey string, kinds []string) error {
	return ep.Publish(Event{
		Type:      EventTypeRotationApplied,
		Source:    "rotation",
		TargetKey: targetKey,
		Message:   fmt.Sprintf("Bindings applied to target %s", targetKey),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"kinds": kinds,
		},
	})
}

// PublishRotationFailed publishes a rotation failed event.
func (ep *EventPublisher) PublishRotationFailed(targetKey, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeRotationFailed,
		Source:    "rotation",
		TargetKey: targetKey,
		Message:   fmt.Sprintf("Binding apply failed for target %s: %s", targetKey, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPassID creates a filter that only allows events for a specific pass.
func FilterByPassID(passID string) EventFilter {
	return func(event Event) bool {
		return event.PassID == passID
	}
}

// FilterByStepID creates a filter that only allows events for a specific step.
func FilterByStepID(stepID string) EventFilter {
	return func(event Event) bool {
		return event.StepID == stepID
	}
}
