package metashape

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher mirrors alignment session progress onto MQTT so dashboards can
// follow long-running sessions. Per session it publishes to three topics
// below the configured prefix:
//
//	<prefix>/session/<id>/state    latest state transition (retained)
//	<prefix>/session/<id>/batch    one message per batch outcome
//	<prefix>/session/<id>/report   final report (retained)
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	lastEvents    map[string]SessionEvent
	mu            sync.RWMutex
}

// NewPublisher creates a progress publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "metashape"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		lastEvents:    make(map[string]SessionEvent),
	}
}

// SetPrefix overrides the topic prefix from configuration.
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// ProgressFunc returns a callback for AlignmentScheduler.OnProgress that
// publishes every event. Publish failures are logged, never propagated;
// losing a progress message must not abort an alignment session.
func (p *Publisher) ProgressFunc() ProgressFunc {
	return func(ev SessionEvent) {
		if err := p.PublishEvent(ev); err != nil {
			log.Printf("[MQTT] dropping progress event: %v", err)
		}
	}
}

// PublishEvent publishes a state transition to the session's state topic.
func (p *Publisher) PublishEvent(ev SessionEvent) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.lastEvents[ev.SessionID] = ev
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/session/%s/state", p.publishPrefix, ev.SessionID)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling session event: %w", err)
	}

	token := p.client.Publish(topic, p.qos, true, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishOutcome publishes one batch outcome to the session's batch topic.
func (p *Publisher) PublishOutcome(sessionID string, outcome BatchOutcome) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/session/%s/batch", p.publishPrefix, sessionID)
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshaling batch outcome: %w", err)
	}

	token := p.client.Publish(topic, p.qos, false, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishReport publishes the final session report, retained so late
// subscribers still see how the session ended.
func (p *Publisher) PublishReport(report *SessionReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/session/%s/report", p.publishPrefix, report.SessionID)
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling session report: %w", err)
	}

	token := p.client.Publish(topic, p.qos, true, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("[MQTT] published report for session %s (%s)", report.SessionID, report.FinalState)
	return nil
}

// LastEvent returns the most recent event published for a session.
func (p *Publisher) LastEvent(sessionID string) (SessionEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.lastEvents[sessionID]
	return ev, ok
}

// AllLastEvents returns the most recent event per session.
func (p *Publisher) AllLastEvents() map[string]SessionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	events := make(map[string]SessionEvent, len(p.lastEvents))
	for id, ev := range p.lastEvents {
		events[id] = ev
	}
	return events
}

// ClearSession removes a session's cached event once it is finished.
func (p *Publisher) ClearSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastEvents, sessionID)
}
