package notify

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTTPublisher.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
}

// MQTTPublisher publishes to an MQTT broker.
type MQTTPublisher struct {
	client paho.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher connects to the broker in opts.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "heartbeatd"
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := paho.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &MQTTPublisher{
		client: client,
		topic:  Topic(opts.TopicPrefix),
		qos:    opts.QoS,
	}, nil
}

// Topic returns the event topic under prefix.
func Topic(prefix string) string {
	if prefix == "" {
		return TopicSuffix
	}
	return prefix + "/" + TopicSuffix
}

// Publish sends an absence event, not retained.
func (p *MQTTPublisher) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

// IsConnected reports whether the client currently holds a connection.
func (p *MQTTPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
