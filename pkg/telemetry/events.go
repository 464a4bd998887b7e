package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a site lifecycle event published by the orchestrator.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// SiteID is the associated site ID, if applicable.
	SiteID string `json:"site_id,omitempty"`

	// Domain is the associated site domain, if applicable.
	Domain string `json:"domain,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants for site lifecycle events.
const (
	EventTypeSiteCreated       = "site.created"
	EventTypeSiteDeleted       = "site.deleted"
	EventTypeSiteStateChanged  = "site.state_changed"
	EventTypeSiteHealthChanged = "site.health_changed"
	EventTypeSiteMigrated      = "site.migrated"
	EventTypeSiteCloned        = "site.cloned"
	EventTypeSiteOrphaned      = "site.orphaned"
)

// Event level constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher manages event publishing and subscriptions. A UI bridge
// subscribes to forward lifecycle updates to the desktop shell.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Subscribe registers a subscriber for all events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriber)
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSiteCreated publishes a site created event.
func (ep *EventPublisher) PublishSiteCreated(siteID, domain, environment string) error {
	return ep.Publish(Event{
		Type:    EventTypeSiteCreated,
		SiteID:  siteID,
		Domain:  domain,
		Message: fmt.Sprintf("Site %s created in %s environment", domain, environment),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"environment": environment,
		},
	})
}

// PublishSiteDeleted publishes a site deleted event.
func (ep *EventPublisher) PublishSiteDeleted(siteID, domain string) error {
	return ep.Publish(Event{
		Type:    EventTypeSiteDeleted,
		SiteID:  siteID,
		Domain:  domain,
		Message: fmt.Sprintf("Site %s deleted", domain),
		Level:   EventLevelInfo,
	})
}

// PublishStateChanged publishes a site state change event.
func (ep *EventPublisher) PublishStateChanged(siteID, domain, oldStatus, newStatus, reason string) error {
	level := EventLevelInfo
	if newStatus == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeSiteStateChanged,
		SiteID:  siteID,
		Domain:  domain,
		Message: fmt.Sprintf("Site %s transitioned %s -> %s", domain, oldStatus, newStatus),
		Level:   level,
		Data: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
			"reason":     reason,
		},
	})
}

// PublishHealthChanged publishes a site health change event.
func (ep *EventPublisher) PublishHealthChanged(siteID, domain string, healthy bool, failures int) error {
	level := EventLevelWarning
	msg := fmt.Sprintf("Site %s became unreachable after %d failed probes", domain, failures)
	if healthy {
		level = EventLevelInfo
		msg = fmt.Sprintf("Site %s recovered", domain)
	}
	return ep.Publish(Event{
		Type:    EventTypeSiteHealthChanged,
		SiteID:  siteID,
		Domain:  domain,
		Message: msg,
		Level:   level,
		Data: map[string]interface{}{
			"healthy":  healthy,
			"failures": failures,
		},
	})
}

// PublishSiteMigrated publishes a site migrated event.
func (ep *EventPublisher) PublishSiteMigrated(siteID, domain, source, target string) error {
	return ep.Publish(Event{
		Type:    EventTypeSiteMigrated,
		SiteID:  siteID,
		Domain:  domain,
		Message: fmt.Sprintf("Site %s migrated from %s to %s", domain, source, target),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source": source,
			"target": target,
		},
	})
}

// PublishSiteOrphaned publishes an orphaned-after-restart event.
func (ep *EventPublisher) PublishSiteOrphaned(siteID, domain string) error {
	return ep.Publish(Event{
		Type:    EventTypeSiteOrphaned,
		SiteID:  siteID,
		Domain:  domain,
		Message: fmt.Sprintf("Site %s has no live backing resources after restart", domain),
		Level:   EventLevelWarning,
	})
}

// processEvents delivers buffered events until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before exit
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers one event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subscribers := make([]EventSubscriber, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber(event)
	}
}

// Shutdown stops the publisher and waits for buffered events to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
