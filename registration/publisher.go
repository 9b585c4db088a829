package registration

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds how long a publish may block the pose handler
const publishTimeout = 2 * time.Second

// Publisher publishes registration results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	Metrics       *Metrics
}

// alignmentMessage is the wire format of a landmark alignment
type alignmentMessage struct {
	Model     string  `json:"model,omitempty"`
	Transform Matrix4 `json:"transform"`
	Scale     float64 `json:"scale"`
	FRE       float64 `json:"fre"`
	Quality   Quality `json:"quality"`
	Collinear bool    `json:"collinear,omitempty"`
	Points    int     `json:"points"`
	Timestamp int64   `json:"timestamp"`
}

// tipOffsetMessage is the wire format of a pivot calibration
type tipOffsetMessage struct {
	Tool            string  `json:"tool"`
	Point           Vec3    `json:"point"`
	TipOffset       Vec3    `json:"tipOffset"`
	Error           float64 `json:"error"`
	ConditionNumber float64 `json:"conditionNumber"`
	Lines           int     `json:"lines"`
	Timestamp       int64   `json:"timestamp"`
}

// NewPublisher creates a publisher. A nil client disables publishing.
// QoS defaults to 0 since updates arrive at tracker rate; messages are
// retained unless the config says otherwise so late subscribers get the
// latest transform.
func NewPublisher(client mqtt.Client, config *Config) *Publisher {
	p := &Publisher{
		client:        client,
		publishPrefix: publishPrefix(config),
		retain:        true,
	}
	if config != nil {
		p.qos = config.MQTT.QoS
		if config.MQTT.Retain != nil {
			p.retain = *config.MQTT.Retain
		}
	}
	return p
}

// RegistrationTopic returns the topic updates for a method are published to
func (p *Publisher) RegistrationTopic(kind MethodKind) string {
	return fmt.Sprintf("%s/registration/%s", p.publishPrefix, kind)
}

// AlignmentTopic returns the topic landmark alignments are published to
func (p *Publisher) AlignmentTopic() string {
	return p.publishPrefix + "/alignment"
}

// PivotTopic returns the topic pivot calibrations for a tool are published to
func (p *Publisher) PivotTopic(toolID string) string {
	return fmt.Sprintf("%s/pivot/%s", p.publishPrefix, toolID)
}

// PublishRegistration publishes an accumulated registration update
func (p *Publisher) PublishRegistration(u RegistrationUpdate) error {
	if err := p.publish(p.RegistrationTopic(u.Method), u); err != nil {
		return err
	}
	p.Metrics.ObservePublished()
	return nil
}

// PublishAlignment publishes a landmark alignment result
func (p *Publisher) PublishAlignment(model string, a Alignment) error {
	msg := alignmentMessage{
		Model:     model,
		Transform: a.Transform,
		Scale:     a.Scale,
		FRE:       a.FRE,
		Quality:   a.Quality,
		Collinear: a.Collinear,
		Points:    a.Points,
		Timestamp: time.Now().Unix(),
	}
	if err := p.publish(p.AlignmentTopic(), msg); err != nil {
		return err
	}
	log.Printf("Published alignment for %q: FRE %.2fmm (%s)", model, a.FRE*1000, a.Quality)
	return nil
}

// PublishTipOffset publishes a pivot calibration result
func (p *Publisher) PublishTipOffset(toolID string, res IntersectionResult, tipOffset Vec3) error {
	msg := tipOffsetMessage{
		Tool:            toolID,
		Point:           res.Point,
		TipOffset:       tipOffset,
		Error:           res.Error,
		ConditionNumber: res.ConditionNumber,
		Lines:           res.Lines,
		Timestamp:       time.Now().Unix(),
	}
	return p.publish(p.PivotTopic(toolID), msg)
}

func (p *Publisher) publish(topic string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
