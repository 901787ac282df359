package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ptw-monitor/internal/models"
)

// Publisher is the MQTT surface the sink needs. pkg/mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// Message is the alert payload published to the vessel alert topic.
type Message struct {
	VesselID  string    `json:"vessel_id"`
	PermitID  string    `json:"permit_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MQTTSink publishes permit alerts to ptw/<vessel_id>/alerts. Emergency
// announcements are published at QoS 1 so the broker retries delivery to the
// bridge panel.
type MQTTSink struct {
	publisher Publisher
	vesselID  string
	permitID  string
	logger    *zap.Logger
}

// NewMQTTSink creates an MQTT alert sink bound to one permit.
func NewMQTTSink(publisher Publisher, vesselID, permitID string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		publisher: publisher,
		vesselID:  vesselID,
		permitID:  permitID,
		logger:    logger,
	}
}

// Announce publishes one alert message.
func (s *MQTTSink) Announce(message string, severity models.Severity) {
	payload, err := json.Marshal(Message{
		VesselID:  s.vesselID,
		PermitID:  s.permitID,
		Severity:  string(severity),
		Message:   message,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}

	topic := fmt.Sprintf("ptw/%s/alerts", s.vesselID)

	qos := byte(0)
	if severity == models.SeverityEmergency {
		qos = 1
	}

	if err := s.publisher.Publish(topic, qos, false, payload); err != nil {
		s.logger.Error("Failed to publish alert",
			zap.String("topic", topic),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}
}
