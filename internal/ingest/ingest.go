// Package ingest subscribes to sensor readings over MQTT and writes them to a local store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// DefaultTopic matches one reading topic per sensor location.
const DefaultTopic = "sensors/+/readings"

// ErrInvalidPayload is returned by Decode for messages that are not a usable reading.
var ErrInvalidPayload = errors.New("invalid reading payload")

// ReadingSink persists decoded readings.
type ReadingSink interface {
	InsertReading(ctx context.Context, r models.Reading) error
}

// Config configures the MQTT subscriber.
type Config struct {
	BrokerURL    string
	ClientID     string
	Topic        string
	QoS          byte
	WriteTimeout time.Duration
}

// payload is the wire form of a published reading. Timestamp accepts RFC3339
// text; an absent timestamp means receive time.
type payload struct {
	Location    string   `json:"location"`
	Timestamp   string   `json:"timestamp"`
	PM25        *float64 `json:"pm25"`
	PM10        *float64 `json:"pm10"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Oxygen      *float64 `json:"oxygen"`
}

// Decode parses a message published on topic. The location defaults to the
// second topic segment; received is used when the payload has no timestamp.
func Decode(topic string, raw []byte, received time.Time) (models.Reading, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Reading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	location := strings.TrimSpace(p.Location)
	if location == "" {
		location = locationFromTopic(topic)
	}
	if location == "" {
		return models.Reading{}, fmt.Errorf("%w: no location", ErrInvalidPayload)
	}

	ts := received.UTC()
	if p.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return models.Reading{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidPayload, p.Timestamp, err)
		}
		ts = t
	}

	r := models.Reading{
		Location:    strings.ToLower(location),
		Timestamp:   ts,
		PM25:        finite(p.PM25),
		PM10:        finite(p.PM10),
		Humidity:    finite(p.Humidity),
		Temperature: finite(p.Temperature),
		Oxygen:      finite(p.Oxygen),
	}
	empty := true
	for _, m := range models.AllMetrics() {
		if r.Value(m) != nil {
			empty = false
			break
		}
	}
	if empty {
		return models.Reading{}, fmt.Errorf("%w: no metric values", ErrInvalidPayload)
	}
	return r, nil
}

func locationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// Subscriber receives readings from an MQTT broker and writes them to a sink.
type Subscriber struct {
	client mqtt.Client
	cfg    Config
	sink   ReadingSink
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	connected bool
}

// NewSubscriber builds a subscriber. Connect starts it.
func NewSubscriber(cfg Config, sink ReadingSink, logger *zap.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{cfg: cfg, sink: sink, logger: logger, now: time.Now}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean sessions drop subscriptions, so subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", zap.String("broker", cfg.BrokerURL))
		token := c.Subscribe(cfg.Topic, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.HandleMessage(msg.Topic(), msg.Payload())
		})
		go func() {
			if !token.WaitTimeout(5 * time.Second) {
				logger.Error("mqtt subscribe timeout", zap.String("topic", cfg.Topic))
				return
			}
			if err := token.Error(); err != nil {
				logger.Error("mqtt subscribe failed", zap.String("topic", cfg.Topic), zap.Error(err))
				return
			}
			logger.Info("subscribed to mqtt topic", zap.String("topic", cfg.Topic), zap.Uint8("qos", cfg.QoS))
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect starts the connection. With connect retry enabled the client keeps
// trying in the background; Connect returns once connected or when ctx is done.
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

// Close disconnects from the broker, allowing quiesceMs for in-flight work.
func (s *Subscriber) Close(quiesceMs uint) {
	s.client.Disconnect(quiesceMs)
	s.setConnected(false)
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// HandleMessage decodes one message and writes it to the sink. Failures are
// counted and logged; they never stop the subscriber.
func (s *Subscriber) HandleMessage(topic string, raw []byte) {
	r, err := Decode(topic, raw, s.now())
	if err != nil {
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("invalid sensor message", zap.String("topic", topic), zap.Int("size", len(raw)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.sink.InsertReading(ctx, r); err != nil {
		observability.IngestMessagesTotal.WithLabelValues("store_error").Inc()
		s.logger.Error("store sensor reading failed",
			zap.String("topic", topic),
			zap.String("location", r.Location),
			zap.Error(err),
		)
		return
	}
	observability.IngestMessagesTotal.WithLabelValues("stored").Inc()
	s.logger.Debug("stored sensor reading", zap.String("location", r.Location), zap.Time("timestamp", r.Timestamp))
}
