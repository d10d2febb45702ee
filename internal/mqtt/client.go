package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/core/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// TriggerHandler receives motion triggers injected over MQTT by external
// systems (e.g. a second detector feeding the same recorder).
type TriggerHandler func(models.MotionTrigger)

// Client publishes sighting notifications and accepts external motion
// triggers over MQTT.
type Client struct {
	cfg     config.MQTTConfig
	client  mqtt.Client
	handler TriggerHandler
}

// NewClient creates an MQTT client. handler may be nil if external triggers
// are not wanted.
func NewClient(cfg config.MQTTConfig, handler TriggerHandler) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
	}
}

// Start connects to the broker. Disabled configuration is not an error.
func (c *Client) Start() error {
	if !c.cfg.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.cfg.ClientID)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Let subscribers see the recorder drop off the network.
	availabilityTopic := c.cfg.SightingTopic + "/availability"
	opts.SetWill(availabilityTopic, "offline", 1, true)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// onConnect publishes availability and (re)subscribes to the trigger topic.
func (c *Client) onConnect(client mqtt.Client) {
	log.Info("Connected to MQTT broker")

	availabilityTopic := c.cfg.SightingTopic + "/availability"
	client.Publish(availabilityTopic, 1, true, "online")

	if c.handler == nil || c.cfg.TriggerTopic == "" {
		return
	}
	token := client.Subscribe(c.cfg.TriggerTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleTrigger(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to %s: %v", c.cfg.TriggerTopic, token.Error())
		return
	}
	log.Infof("Subscribed to external trigger topic %s", c.cfg.TriggerTopic)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Warnf("MQTT connection lost: %v", err)
}

// handleTrigger decodes an externally injected motion trigger and forwards it
// to the recording engine. Malformed payloads are logged and dropped.
func (c *Client) handleTrigger(payload []byte) {
	var trigger models.MotionTrigger
	if err := json.Unmarshal(payload, &trigger); err != nil {
		log.Warnf("Failed to decode MQTT trigger payload: %v", err)
		return
	}
	if trigger.Camera == "" {
		log.Warn("Ignoring MQTT trigger without camera")
		return
	}
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = time.Now()
	}
	if trigger.Type == "" {
		trigger.Type = models.MotionTypeStart
	}
	trigger.SensorKind = models.SensorKindContinuous

	log.Infof("External motion trigger for %s via MQTT", trigger.Camera)
	c.handler(trigger)
}

// PublishSighting broadcasts one new sighting. Failures are logged, never
// propagated: notification is best-effort.
func (c *Client) PublishSighting(sighting models.Sighting) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	data, err := json.Marshal(sighting)
	if err != nil {
		log.Errorf("Failed to marshal sighting for MQTT: %v", err)
		return
	}
	token := c.client.Publish(c.cfg.SightingTopic, 0, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Warnf("Failed to publish sighting: %v", token.Error())
		}
	}()
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		availabilityTopic := c.cfg.SightingTopic + "/availability"
		c.client.Publish(availabilityTopic, 1, true, "offline")
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}
