package mesh

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Phase names one of the orchestrator's sequenced steps, reported at
// every phase boundary.
type Phase string

const (
	PhaseFixUp    Phase = "fix-up"
	PhaseWiring   Phase = "wiring"
	PhasePreAlign Phase = "pre-align"
	PhaseRelax    Phase = "relax"
	PhaseUnscale  Phase = "unscale"
	PhaseEmit     Phase = "emit"
)

// mqttPublisher is the subset of mqtt.Client the progress reporter needs:
// connect once, publish phase events, report connection state. Matching
// this narrower shape (rather than the full mqtt.Client interface) is
// what lets mqtt_mock.go's MockClient serve as its test double unmodified.
type mqttPublisher interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ProgressEvent is the JSON payload published at each phase boundary.
type ProgressEvent struct {
	Phase          string  `json:"phase"`
	Layer          int     `json:"layer,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds,omitempty"`
	Status         string  `json:"status"`
}

// ProgressReporter logs every phase boundary to stdout with the "[ALIGN]"
// tag convention, and optionally republishes the same events to an MQTT
// topic for a remote dashboard. The MQTT client is entirely optional —
// a nil client reduces ProgressReporter to the stdout-only path.
type ProgressReporter struct {
	client mqttPublisher
	topic  string
}

// NewProgressReporter returns a reporter that logs to stdout and, if
// client is non-nil, republishes to topic on client.
func NewProgressReporter(client mqttPublisher, topic string) *ProgressReporter {
	return &ProgressReporter{client: client, topic: topic}
}

// PhaseStarted logs the start of phase for layer (layer is -1 for
// whole-run phases that are not per-layer).
func (p *ProgressReporter) PhaseStarted(phase Phase, layer int) {
	if layer >= 0 {
		log.Printf("[ALIGN] %s layer=%d starting", phase, layer)
	} else {
		log.Printf("[ALIGN] %s starting", phase)
	}
	p.publish(ProgressEvent{Phase: string(phase), Layer: layer, Status: "started"})
}

// PhaseCompleted logs the completion of phase for layer after elapsed.
func (p *ProgressReporter) PhaseCompleted(phase Phase, layer int, elapsed time.Duration) {
	if layer >= 0 {
		log.Printf("[ALIGN] %s layer=%d done in %s", phase, layer, elapsed)
	} else {
		log.Printf("[ALIGN] %s done in %s", phase, elapsed)
	}
	p.publish(ProgressEvent{Phase: string(phase), Layer: layer, ElapsedSeconds: elapsed.Seconds(), Status: "completed"})
}

// RunCanceled logs and publishes a terminal canceled event.
func (p *ProgressReporter) RunCanceled(phase Phase) {
	log.Printf("[ALIGN] %s canceled", phase)
	p.publish(ProgressEvent{Phase: string(phase), Status: "canceled"})
}

// publish marshals event and sends it to the MQTT client if one is
// configured and connected. Publish failures are logged, never fatal —
// telemetry is best-effort and must not abort an alignment run.
func (p *ProgressReporter) publish(event ProgressEvent) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[ALIGN] progress event marshal failed: %v", err)
		return
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("[ALIGN] progress publish failed: %v", err)
	}
}
