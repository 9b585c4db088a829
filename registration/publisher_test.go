package registration

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherTopics(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	p := NewPublisher(nil, nil)
	assert.Equal(t, "navreg/registration/manual", p.RegistrationTopic(MethodManual))
	assert.Equal(t, "navreg/registration/tool", p.RegistrationTopic(MethodToolBased))
	assert.Equal(t, "navreg/alignment", p.AlignmentTopic())
	assert.Equal(t, "navreg/pivot/stylus", p.PivotTopic("stylus"))

	p = NewPublisher(nil, testMQTTConfig())
	assert.Equal(t, "navreg-test/alignment", p.AlignmentTopic())
}

func TestPublishRegistration_NotConnected(t *testing.T) {
	p := NewPublisher(nil, testMQTTConfig())
	u := RegistrationUpdate{SessionID: "s1", Method: MethodManual, Transform: Translation(Vec3{X: 1}), Timestamp: 4}

	err := p.PublishRegistration(u)
	assert.Error(t, err)
}

func TestPublishRegistration_Connected(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	p := NewPublisher(mock, testMQTTConfig())
	p.Metrics = NewMetrics(prometheus.NewRegistry())

	u := RegistrationUpdate{
		SessionID:   "abc",
		Method:      MethodToolBased,
		Accumulator: Translation(Vec3{Z: 0.2}),
		Transform:   Translation(Vec3{Z: 0.2}),
		Inverse:     Translation(Vec3{Z: -0.2}),
		Timestamp:   7.5,
	}
	require.NoError(t, p.PublishRegistration(u))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "navreg-test/registration/tool", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, byte(0), msgs[0].QoS)

	var got RegistrationUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, u, got)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.PublishedUpdates))
}

func TestPublishRegistration_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker full"))

	p := NewPublisher(mock, testMQTTConfig())
	err := p.PublishRegistration(RegistrationUpdate{Method: MethodManual})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")
}

func TestPublisher_QoSAndRetainFromConfig(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	cfg := testMQTTConfig()
	cfg.MQTT.QoS = 1
	retain := false
	cfg.MQTT.Retain = &retain

	p := NewPublisher(mock, cfg)
	require.NoError(t, p.PublishRegistration(RegistrationUpdate{Method: MethodManual}))
	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)
}

func TestPublisher_Timeout(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishStalled(true)

	p := NewPublisher(mock, testMQTTConfig())
	p.Metrics = NewMetrics(prometheus.NewRegistry())

	err := p.PublishRegistration(RegistrationUpdate{Method: MethodToolBased})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Zero(t, testutil.ToFloat64(p.Metrics.PublishedUpdates), "an unconfirmed publish is not counted")

	assert.Error(t, p.PublishTipOffset("stylus", IntersectionResult{}, Vec3{}))
}

func TestPublishAlignment(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, testMQTTConfig())

	a := Alignment{
		Transform: Translation(Vec3{X: 0.5}),
		Scale:     1,
		FRE:       0.0008,
		Quality:   QualityExcellent,
		Points:    4,
	}
	require.NoError(t, p.PublishAlignment("phantom", a))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "navreg-test/alignment", msgs[0].Topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "phantom", got["model"])
	assert.Equal(t, "excellent", got["quality"])
	assert.Equal(t, 0.0008, got["fre"])
	assert.Equal(t, 4.0, got["points"])
	assert.NotContains(t, got, "collinear")
}

func TestPublishTipOffset(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, testMQTTConfig())

	res := IntersectionResult{Point: Vec3{X: 1, Y: 2, Z: 3}, Error: 0.0004, ConditionNumber: 12, Lines: 20}
	require.NoError(t, p.PublishTipOffset("stylus", res, Vec3{Z: 0.15}))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "navreg-test/pivot/stylus", msgs[0].Topic)

	var got tipOffsetMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "stylus", got.Tool)
	assert.Equal(t, res.Point, got.Point)
	assert.Equal(t, Vec3{Z: 0.15}, got.TipOffset)
	assert.Equal(t, 20, got.Lines)
	assert.NotZero(t, got.Timestamp)
}

func TestPublisher_DisconnectedClient(t *testing.T) {
	mock := NewMockClient()
	p := NewPublisher(mock, testMQTTConfig())

	assert.Error(t, p.PublishAlignment("phantom", Alignment{}))
	assert.Error(t, p.PublishTipOffset("stylus", IntersectionResult{}, Vec3{}))
	assert.Empty(t, mock.GetPublishedMessages())
}
