// Package ingest receives leaf captures from camera devices over MQTT and
// publishes their diagnoses back to the device.
//
// Devices publish a raw JPEG to <prefix>/<owner>/<device>/capture and receive
// the result as JSON on <prefix>/<owner>/<device>/result. The broker's ACLs
// decide which device may publish under which owner.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
	"github.com/Brownie44l1/leafdoc-api/internal/config"
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/errors"
	"github.com/Brownie44l1/leafdoc-api/internal/metrics"
	"github.com/Brownie44l1/leafdoc-api/internal/service"
)

const component = "ingest"

const (
	captureSuffix = "capture"
	resultSuffix  = "result"

	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

type Diagnoser interface {
	Diagnose(ctx context.Context, uploads []service.Upload, platform diagnosis.Platform) ([]service.Outcome, error)
}

// Result is the message published back to a device.
type Result struct {
	Device     string    `json:"device"`
	OK         bool      `json:"ok"`
	Disease    string    `json:"disease,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Treatment  string    `json:"treatment,omitempty"`
	Prevention string    `json:"prevention,omitempty"`
	RecordID   string    `json:"recordId,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Subscriber struct {
	client     mqtt.Client
	svc        Diagnoser
	prefix     string
	qos        byte
	maxPayload int
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Subscriber)

func WithLogger(log *zap.Logger) Option { return func(s *Subscriber) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Subscriber) { s.metrics = m } }

// WithMaxPayload drops captures larger than n bytes.
func WithMaxPayload(n int) Option { return func(s *Subscriber) { s.maxPayload = n } }

// WithTimeout bounds the diagnosis of one capture.
func WithTimeout(d time.Duration) Option { return func(s *Subscriber) { s.timeout = d } }

// New wraps an existing client. Call Subscribe once it is connected.
func New(client mqtt.Client, svc Diagnoser, cfg config.MQTTConfig, opts ...Option) *Subscriber {
	s := &Subscriber{
		client:     client,
		svc:        svc,
		prefix:     strings.Trim(cfg.TopicPrefix, "/"),
		qos:        cfg.QoS,
		maxPayload: 10 << 20,
		timeout:    time.Minute,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named(component)
	return s
}

// ClientOptions maps the MQTT config onto paho options.
func ClientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	return opts
}

// Dial connects to the broker and subscribes to captures. The subscription
// is renewed on every reconnect.
func Dial(ctx context.Context, cfg config.MQTTConfig, svc Diagnoser, opts ...Option) (*Subscriber, error) {
	s := New(nil, svc, cfg, opts...)

	clientOpts := ClientOptions(cfg)
	clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
		s.log.Info("connected to broker", zap.String("broker", cfg.Broker))
		if err := s.subscribe(ctx, c); err != nil {
			s.log.Error("subscribe failed", zap.Error(err))
		}
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("connection to broker lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})
	s.client = mqtt.NewClient(clientOpts)

	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, s.brokerError(fmt.Errorf("connection to %s timed out", cfg.Broker))
	}
	if err := token.Error(); err != nil {
		return nil, s.brokerError(fmt.Errorf("connect to %s: %w", cfg.Broker, err))
	}
	return s, nil
}

func (s *Subscriber) brokerError(err error) error {
	return errors.New(err).Component(component).Category(errors.CategoryConfiguration).Build()
}

// CaptureTopic is the wildcard subscription for every owner and device.
func (s *Subscriber) CaptureTopic() string {
	return fmt.Sprintf("%s/+/+/%s", s.prefix, captureSuffix)
}

// Subscribe starts receiving captures on the wrapped client.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	return s.subscribe(ctx, s.client)
}

func (s *Subscriber) subscribe(ctx context.Context, c mqtt.Client) error {
	topic := s.CaptureTopic()
	token := c.Subscribe(topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.Handle(ctx, msg)
	})
	if !token.WaitTimeout(connectTimeout) {
		return s.brokerError(fmt.Errorf("subscribe to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return s.brokerError(fmt.Errorf("subscribe to %s: %w", topic, err))
	}
	s.log.Info("subscribed", zap.String("topic", topic))
	return nil
}

// ParseTopic splits <prefix>/<owner>/<device>/capture.
func ParseTopic(prefix, topic string) (owner, device string, ok bool) {
	rest, found := strings.CutPrefix(topic, strings.Trim(prefix, "/")+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != captureSuffix || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Handle diagnoses one capture and publishes the result. The capture is
// stored under the owner named in the topic.
func (s *Subscriber) Handle(ctx context.Context, msg mqtt.Message) {
	owner, device, ok := ParseTopic(s.prefix, msg.Topic())
	if !ok {
		s.log.Warn("ignoring message on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	log := s.log.With(zap.String("owner", owner), zap.String("device", device))

	res := Result{Device: device, At: s.now().UTC()}
	payload := msg.Payload()
	switch {
	case len(payload) == 0:
		res.Error = "empty capture"
	case len(payload) > s.maxPayload:
		res.Error = fmt.Sprintf("capture exceeds %d bytes", s.maxPayload)
	default:
		res = s.diagnose(ctx, owner, device, payload, res)
	}
	s.observe(res.OK)
	if !res.OK {
		log.Warn("capture not diagnosed", zap.String("reason", res.Error))
	}

	if err := s.publish(owner, device, res); err != nil {
		log.Error("result not published", zap.Error(err))
	}
}

func (s *Subscriber) diagnose(ctx context.Context, owner, device string, payload []byte, res Result) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = auth.WithIdentity(ctx, auth.Identity{UserID: owner, Verified: true})

	outcomes, err := s.svc.Diagnose(ctx, []service.Upload{{
		Name:        fmt.Sprintf("%s-%d.jpg", device, res.At.UnixMilli()),
		ContentType: "image/jpeg",
		Data:        payload,
	}}, diagnosis.PlatformCamera)
	if err == nil && len(outcomes) == 0 {
		err = errors.Newf("no outcome for capture").Component(component).Build()
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	o := outcomes[0]
	if o.Result != nil {
		res.Disease = o.Result.DiseaseLabel
		res.Confidence = o.Result.Confidence
		res.Treatment = o.Result.TreatmentText
		res.Prevention = o.Result.PreventionText
	}
	if o.Record != nil {
		res.RecordID = o.Record.ID
	}
	if o.Err != nil {
		res.Error = o.Err.Error()
		return res
	}
	res.OK = true
	return res
}

func (s *Subscriber) publish(owner, device string, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s/%s/%s", s.prefix, owner, device, resultSuffix)
	token := s.client.Publish(topic, s.qos, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (s *Subscriber) observe(ok bool) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	s.metrics.CaptureTotal.WithLabelValues(status).Inc()
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.CaptureTopic()).WaitTimeout(publishTimeout)
	s.client.Disconnect(250)
	s.log.Info("disconnected from broker")
}
