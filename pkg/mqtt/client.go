package mqtt

import (
	"fmt"

	"ptw-monitor/pkg/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler handles an inbound MQTT message.
type MessageHandler func(topic string, payload []byte) error

// Client wraps the paho MQTT client.
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
}

// NewClient connects to the configured broker.
func NewClient(cfg *config.MQTTConfig) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// Subscribe subscribes to a topic.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			fmt.Printf("Error handling MQTT message: %v\n", err)
		}
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Publish publishes a message to a topic.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
