package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/config"
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/service"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the subscriber calls.
type fakeClient struct {
	mqtt.Client
	mu         sync.Mutex
	published  []published
	subscribed string
	handler    mqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.subscribed = topic
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) IsConnected() bool { return false }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeDiagnoser struct {
	outcomes []service.Outcome
	err      error
	identity auth.Identity
	platform diagnosis.Platform
	uploads  []service.Upload
}

func (d *fakeDiagnoser) Diagnose(ctx context.Context, uploads []service.Upload, platform diagnosis.Platform) ([]service.Outcome, error) {
	d.identity, _ = auth.FromContext(ctx)
	d.platform = platform
	d.uploads = uploads
	return d.outcomes, d.err
}

var testCfg = config.MQTTConfig{TopicPrefix: "leafdoc/", QoS: 1}

func newSubscriber(d Diagnoser, m *metrics.Metrics) (*Subscriber, *fakeClient) {
	client := &fakeClient{}
	s := New(client, d, testCfg, WithMetrics(m), WithMaxPayload(16))
	s.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	return s, client
}

func lastResult(t *testing.T, c *fakeClient) (string, Result) {
	t.Helper()
	require.NotEmpty(t, c.published)
	p := c.published[len(c.published)-1]
	var res Result
	require.NoError(t, json.Unmarshal(p.payload, &res))
	return p.topic, res
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic         string
		owner, device string
		ok            bool
	}{
		{"leafdoc/u1/cam-1/capture", "u1", "cam-1", true},
		{"leafdoc/u1/cam-1/result", "", "", false},
		{"leafdoc/u1/capture", "", "", false},
		{"other/u1/cam-1/capture", "", "", false},
		{"leafdoc//cam-1/capture", "", "", false},
		{"leafdoc/u1/cam-1/capture/extra", "", "", false},
	}
	for _, tt := range tests {
		owner, device, ok := ParseTopic("leafdoc/", tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.owner, owner, tt.topic)
		assert.Equal(t, tt.device, device, tt.topic)
	}
}

func TestSubscribe(t *testing.T) {
	d := &fakeDiagnoser{outcomes: []service.Outcome{{Result: &model.PredictionResult{DiseaseLabel: "healthy", Confidence: 0.99}}}}
	s, client := newSubscriber(d, nil)

	require.NoError(t, s.Subscribe(context.Background()))
	assert.Equal(t, "leafdoc/+/+/capture", client.subscribed)

	client.handler(client, fakeMessage{topic: "leafdoc/u1/cam-1/capture", payload: []byte("jpeg")})
	topic, res := lastResult(t, client)
	assert.Equal(t, "leafdoc/u1/cam-1/result", topic)
	assert.True(t, res.OK)
}

func TestHandleDiagnosesCapture(t *testing.T) {
	m := metrics.New()
	d := &fakeDiagnoser{outcomes: []service.Outcome{{
		Result: &model.PredictionResult{DiseaseLabel: "rust", Confidence: 0.91, TreatmentText: "t", PreventionText: "p"},
		Record: &diagnosis.Record{ID: "rec-1"},
	}}}
	s, client := newSubscriber(d, m)

	s.Handle(context.Background(), fakeMessage{topic: "leafdoc/u1/cam-1/capture", payload: []byte("jpeg")})

	assert.Equal(t, auth.Identity{UserID: "u1", Verified: true}, d.identity)
	assert.Equal(t, diagnosis.PlatformCamera, d.platform)
	require.Len(t, d.uploads, 1)
	assert.Equal(t, "cam-1-1717236000000.jpg", d.uploads[0].Name)

	topic, res := lastResult(t, client)
	assert.Equal(t, "leafdoc/u1/cam-1/result", topic)
	assert.Equal(t, byte(1), client.published[0].qos)
	assert.Equal(t, Result{
		Device:     "cam-1",
		OK:         true,
		Disease:    "rust",
		Confidence: 0.91,
		Treatment:  "t",
		Prevention: "p",
		RecordID:   "rec-1",
		At:         time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureTotal.WithLabelValues("success")))
}

func TestHandleFailures(t *testing.T) {
	tests := []struct {
		name    string
		d       *fakeDiagnoser
		payload []byte
		wantErr string
	}{
		{"empty", &fakeDiagnoser{}, nil, "empty capture"},
		{"too large", &fakeDiagnoser{}, make([]byte, 17), "capture exceeds 16 bytes"},
		{"model unavailable", &fakeDiagnoser{err: errors.Newf("fetch failed").Category(errors.CategoryModelLoad).Build()}, []byte("jpeg"), "fetch failed"},
		{"item failed", &fakeDiagnoser{outcomes: []service.Outcome{{Err: errors.Newf("decode failed").Build()}}}, []byte("jpeg"), "decode failed"},
		{"no outcome", &fakeDiagnoser{}, []byte("jpeg"), "no outcome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			s, client := newSubscriber(tt.d, m)

			s.Handle(context.Background(), fakeMessage{topic: "leafdoc/u1/cam-1/capture", payload: tt.payload})

			_, res := lastResult(t, client)
			assert.False(t, res.OK)
			assert.Contains(t, res.Error, tt.wantErr)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureTotal.WithLabelValues("error")))
		})
	}
}

func TestHandleIgnoresForeignTopics(t *testing.T) {
	d := &fakeDiagnoser{}
	s, client := newSubscriber(d, nil)

	s.Handle(context.Background(), fakeMessage{topic: "leafdoc/u1/cam-1/result", payload: []byte("{}")})

	assert.Empty(t, client.published)
	assert.Nil(t, d.uploads)
}

func TestClientOptions(t *testing.T) {
	opts := ClientOptions(config.MQTTConfig{Broker: "tcp://broker:1883", ClientID: "leafdoc-1", Username: "u", Password: "p"})
	reader := mqtt.NewOptionsReader(opts)

	require.Len(t, reader.Servers(), 1)
	assert.Equal(t, "broker:1883", reader.Servers()[0].Host)
	assert.Equal(t, "leafdoc-1", reader.ClientID())
	assert.Equal(t, "u", reader.Username())
	assert.True(t, reader.AutoReconnect())
	assert.True(t, reader.CleanSession())
}
