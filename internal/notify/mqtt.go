package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/persona-agent/internal/config"
	"github.com/nugget/persona-agent/internal/leads"
)

// errNotConnected is returned by Notify before Run has connected.
var errNotConnected = errors.New("mqtt not connected")

// MQTTNotifier publishes each lead as JSON to the configured topic and
// keeps a retained online/offline status under <topic>/status.
type MQTTNotifier struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     atomic.Pointer[autopaho.ConnectionManager]
}

// NewMQTTNotifier creates a notifier. Call Run to connect.
func NewMQTTNotifier(cfg config.MQTTConfig, logger *slog.Logger) *MQTTNotifier {
	return &MQTTNotifier{cfg: cfg, logger: logger}
}

// Name implements Notifier.
func (m *MQTTNotifier) Name() string { return "mqtt" }

func (m *MQTTNotifier) statusTopic() string {
	return m.cfg.Topic + "/status"
}

// Run connects to the broker and holds the connection until ctx is
// cancelled, then marks the status offline and disconnects. autopaho
// reconnects in the background if the broker drops.
func (m *MQTTNotifier) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.publishStatus(stopCtx, cm, "offline")
	m.cm.Store(nil)
	if err := cm.Disconnect(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func (m *MQTTNotifier) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	}
}

// leadMessage is the JSON document published for each lead.
type leadMessage struct {
	Event string     `json:"event"`
	Lead  leads.Lead `json:"lead"`
}

func encodeLead(lead leads.Lead) ([]byte, error) {
	return json.Marshal(leadMessage{Event: "recruiter_lead", Lead: lead})
}

// Notify implements Notifier. Leads are published at QoS 1 without the
// retain flag, so late subscribers do not see old leads.
func (m *MQTTNotifier) Notify(ctx context.Context, lead leads.Lead) error {
	cm := m.cm.Load()
	if cm == nil {
		return errNotConnected
	}
	payload, err := encodeLead(lead)
	if err != nil {
		return fmt.Errorf("encode lead: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish lead: %w", err)
	}
	m.logger.Debug("mqtt lead published", "topic", m.cfg.Topic, "lead_id", lead.ID)
	return nil
}
