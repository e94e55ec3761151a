// Package notify forwards violation records to an MQTT broker.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ppegate/internal/config"
	"ppegate/internal/logger"
	"ppegate/internal/model"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Message is the payload published for every violation.
type Message struct {
	EventID      string   `json:"event_id"`
	Type         string   `json:"type"`
	CameraID     int64    `json:"camera_id"`
	MissingItems []string `json:"missing_items"`
	GateAction   string   `json:"gate_action"`
	OperatorID   *int64   `json:"operator_id,omitempty"`
	Image        string   `json:"image,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// NewMessage builds the MQTT payload for a violation.
func NewMessage(v *model.Violation) Message {
	msg := Message{
		EventID:      v.EventID,
		Type:         string(v.Kind),
		CameraID:     v.CameraID,
		MissingItems: v.MissingItems,
		GateAction:   v.GateAction,
		OperatorID:   v.OperatorID,
		Notes:        v.Notes,
		Timestamp:    v.Timestamp.Unix(),
	}
	if v.ImagePath != nil {
		msg.Image = *v.ImagePath
	}
	return msg
}

// Topic returns the topic for one violation kind below the configured prefix.
func Topic(prefix string, kind model.ViolationKind) string {
	return fmt.Sprintf("%s/violations/%s", prefix, kind)
}

// MQTTPublisher publishes violations as JSON. Publishing is best effort and never blocks the caller for long.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *logger.Logger
}

// NewMQTTPublisher connects to the configured broker. It returns nil, nil when no broker is configured.
func NewMQTTPublisher(cfg *config.Config, logger *logger.Logger) (*MQTTPublisher, error) {
	if cfg.MQTTHost == "" {
		return nil, nil
	}

	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTHost, cfg.MQTTPort))
	opts.SetClientID(fmt.Sprintf("ppegate-%d", time.Now().UnixNano()))
	if cfg.MQTTUser != "" {
		opts.SetUsername(cfg.MQTTUser)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connected to %s:%d", cfg.MQTTHost, cfg.MQTTPort)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warning("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// SetConnectRetry keeps trying in the background.
		logger.Warning("MQTT broker %s:%d not reachable yet, retrying in background", cfg.MQTTHost, cfg.MQTTPort)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &MQTTPublisher{client: client, topic: cfg.MQTTTopic, logger: logger}, nil
}

// PublishViolation sends v to <topic>/violations/<kind>.
func (p *MQTTPublisher) PublishViolation(v *model.Violation) {
	payload, err := json.Marshal(NewMessage(v))
	if err != nil {
		p.logger.Error("Error encoding MQTT message: %v", err)
		return
	}

	topic := Topic(p.topic, v.Kind)
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warning("MQTT publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error("MQTT publish to %s failed: %v", topic, err)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
