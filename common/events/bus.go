// Package events publishes structured workflow events: metering events
// feeding usage accounting and progress events feeding run observers.
// Publishing is at-least-once; emitters own their events best-effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
)

// Detail types tag the payload family inside an envelope
const (
	DetailTypeMetering = "Workflow Metering Event"
	DetailTypeProgress = "Workflow Progress Event"
	DetailTypeAudit    = "Workflow Audit Event"
)

// Envelope is the wire shape of every published event
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detailType"`
	Detail     json.RawMessage `json:"detail"`
	Resources  []string        `json:"resources"`
	Time       time.Time       `json:"time"`
}

// resourceRefs derives the standard resource references for an event
func resourceRefs(tenantID, workflowID, runID string) []string {
	return []string{
		"tenant:" + tenantID,
		"workflow:" + workflowID,
		"run:" + runID,
	}
}

// Bus publishes event envelopes
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	Close() error
}

// Emitter builds envelopes for the event families the engine and the
// submission API produce.
type Emitter struct {
	bus     Bus
	source  string
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewEmitter creates an emitter stamping envelopes with the given source,
// e.g. "flowcore.workflow.execution".
func NewEmitter(bus Bus, source string, log *logger.Logger, m *metrics.Metrics) *Emitter {
	return &Emitter{bus: bus, source: source, log: log, metrics: m}
}

func (e *Emitter) publish(ctx context.Context, detailType string, detail any, tenantID, workflowID, runID string) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	if err := e.bus.Publish(ctx, &Envelope{
		Source:     e.source,
		DetailType: detailType,
		Detail:     raw,
		Resources:  resourceRefs(tenantID, workflowID, runID),
		Time:       time.Now().UTC(),
	}); err != nil {
		return err
	}
	e.metrics.EventsEmitted.WithLabelValues(detailType).Inc()
	return nil
}

// Metering publishes a task lifecycle event. The caller decides whether a
// failure is retried (submission) or merely logged (engine).
func (e *Emitter) Metering(ctx context.Context, eventType, tenantID, workflowID, runID string, metadata map[string]any) error {
	return e.publish(ctx, DetailTypeMetering, models.MeteringEvent{
		EventType:  eventType,
		TenantID:   tenantID,
		WorkflowID: workflowID,
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}, tenantID, workflowID, runID)
}

// Progress publishes a node lifecycle event, best-effort
func (e *Emitter) Progress(ctx context.Context, eventType, tenantID, workflowID, runID, nodeID string, progress *models.Progress) {
	err := e.publish(ctx, DetailTypeProgress, models.ProgressEvent{
		EventType:  eventType,
		TenantID:   tenantID,
		WorkflowID: workflowID,
		RunID:      runID,
		NodeID:     nodeID,
		Progress:   progress,
		Timestamp:  time.Now().UTC(),
	}, tenantID, workflowID, runID)
	if err != nil {
		e.log.Error("progress event publish failed", "event_type", eventType, "run_id", runID, "node_id", nodeID, "error", err)
	}
}

// Audit publishes an audit event (rollbacks, edge warnings), best-effort
func (e *Emitter) Audit(ctx context.Context, eventType, tenantID, workflowID, runID, nodeID string, details map[string]any) {
	detail := map[string]any{
		"eventType":  eventType,
		"tenantId":   tenantID,
		"workflowId": workflowID,
		"runId":      runID,
		"nodeId":     nodeID,
		"timestamp":  time.Now().UTC(),
	}
	for k, v := range details {
		detail[k] = v
	}
	if err := e.publish(ctx, DetailTypeAudit, detail, tenantID, workflowID, runID); err != nil {
		e.log.Error("audit event publish failed", "event_type", eventType, "run_id", runID, "node_id", nodeID, "error", err)
	}
}
