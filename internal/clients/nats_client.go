package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"otc-backend/internal/events"
	"otc-backend/internal/metrics"

	"github.com/nats-io/nats.go"
)

const settlementStreamName = "OTC_SETTLEMENTS"

// NATSClient publishes settlement lifecycle events
type NATSClient struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	chain         string
}

// NATSOptions connection settings
type NATSOptions struct {
	URL           string
	Timeout       time.Duration
	ReconnectWait time.Duration
	SubjectPrefix string
	Chain         string
}

// NewNATSClient connects to NATS. JetStream is used when the server offers it,
// otherwise events go out as core NATS messages.
func NewNATSClient(opts NATSOptions) (*NATSClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 5 * time.Second
	}
	log.Printf("🔌 Connecting to NATS %s (timeout %v)", opts.URL, opts.Timeout)

	conn, err := nats.Connect(opts.URL,
		nats.Name("otc-facilitator"),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ NATS disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ NATS reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	client := &NATSClient{
		conn:          conn,
		subjectPrefix: opts.SubjectPrefix,
		chain:         opts.Chain,
	}

	js, err := conn.JetStream()
	if err == nil {
		client.js = js
		if err := client.ensureStream(); err != nil {
			log.Printf("⚠️ JetStream unavailable, publishing core NATS messages: %v", err)
			client.js = nil
		}
	}

	log.Printf("✅ NATS client ready (jetstream=%v)", client.js != nil)
	return client, nil
}

// ensureStream creates the settlement stream if it does not exist yet
func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(settlementStreamName); err == nil {
		return nil
	}
	prefix := c.subjectPrefix
	if prefix == "" {
		prefix = "otc"
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      settlementStreamName,
		Subjects:  []string{prefix + ".*.settlement.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", settlementStreamName, err)
	}
	log.Printf("✅ Stream %s created", settlementStreamName)
	return nil
}

// Publish sends one lifecycle event to <prefix>.<chain>.settlement.<type>
func (c *NATSClient) Publish(event events.SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := events.Subject(c.subjectPrefix, c.chain, event.Type)

	if c.js != nil {
		_, err = c.js.Publish(subject, data)
	} else {
		err = c.conn.Publish(subject, data)
	}
	if err != nil {
		metrics.NATSPublishErrors.WithLabelValues(string(event.Type)).Inc()
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	metrics.NATSMessagesPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Notify Notifier adapter; publish errors are logged, never propagated
func (c *NATSClient) Notify(event events.SettlementEvent) {
	if err := c.Publish(event); err != nil {
		log.Printf("⚠️ [NATS] %v", err)
	}
}

// Connected reports the connection state for /health
func (c *NATSClient) Connected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		metrics.NATSConnectionStatus.Set(0)
	}
}
