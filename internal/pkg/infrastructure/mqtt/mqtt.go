// Package mqtt publishes throttled readings to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 2 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

type Publisher struct {
	client publisher
	topic  string
	close  func()
}

type message struct {
	SessionID        string    `json:"sessionId"`
	PatientID        string    `json:"patientId"`
	TargetPressure   float64   `json:"targetPressure"`
	MeasuredPressure float64   `json:"measuredPressure"`
	Temperature      float64   `json:"temperature"`
	CycleIndex       *int      `json:"cycleIndex,omitempty"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// Connect dials the broker and returns a Publisher that writes readings
// below topic.
func Connect(ctx context.Context, broker, topic string) (*Publisher, error) {
	logger := logging.GetFromContext(ctx)

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("integration-compression-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
	}

	client := paho.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("timed out")
		}
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", broker, err)
	}

	logger.Info().Str("broker", broker).Str("topic", topic).Msg("connected to mqtt broker")

	return newPublisher(client, topic, func() { client.Disconnect(250) }), nil
}

func newPublisher(client publisher, topic string, close func()) *Publisher {
	return &Publisher{
		client: client,
		topic:  strings.TrimSuffix(topic, "/"),
		close:  close,
	}
}

func (p *Publisher) Mirror(ctx context.Context, session domain.Session, r domain.Reading) error {
	payload, err := json.Marshal(message{
		SessionID:        session.ID,
		PatientID:        session.PatientID,
		TargetPressure:   session.TargetPressure,
		MeasuredPressure: r.MeasuredPressure,
		Temperature:      r.Temperature,
		CycleIndex:       r.CycleIndex,
		RecordedAt:       r.RecordedAt,
	})
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s", p.topic, session.ID)

	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}

	return token.Error()
}

func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}
