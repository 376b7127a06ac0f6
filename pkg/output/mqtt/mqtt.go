package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/ntu-session-agent/pkg/config"
	"github.com/ericogr/ntu-session-agent/pkg/output"
	"github.com/ericogr/ntu-session-agent/pkg/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// defaults
	DefaultClientIDPrefix = "ntu-agent-"
	DefaultStateTopic     = "ntu-agent/state"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	keyIcon                = "icon"
	unitNTU                = "NTU"
	stateClassMeasurement  = "measurement"
	valueTemplateNTU       = "{{ value_json.ntu }}"
	iconTurbidity          = "mdi:water-opacity"
)

// publisher is the part of mqtt.Client the output needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTOutput struct {
	client     publisher
	stateTopic string
}

// StatePayload summarizes one batch: the last reading plus the mean NTU of
// the session.
type StatePayload struct {
	SessionID     int64   `json:"session_id"`
	Readings      int     `json:"readings"`
	NTU           float64 `json:"ntu"`
	NTUMean       float64 `json:"ntu_mean"`
	RawMilliVolts int     `json:"raw_mv"`
	DeviceEpochMs string  `json:"device_epoch_ms"`
}

func NewMQTT(cfg config.MQTTConfig, log *zap.Logger) (output.Output, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientIDPrefix + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(clientID).SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	m := newWithClient(client, cfg)

	// Publish Home Assistant discovery payload if requested
	if cfg.DiscoveryTopic != "" {
		payload := baseDiscoveryPayload(discoveryName(cfg, clientID), m.stateTopic, discoveryUniqueID(cfg, clientID))
		if err := publishJSON(client, cfg.DiscoveryTopic, true, payload); err != nil {
			log.Warn("mqtt discovery publish error", zap.Error(err))
		}
	}
	return m, nil
}

func newWithClient(client publisher, cfg config.MQTTConfig) *MQTTOutput {
	st := cfg.StateTopic
	if st == "" {
		st = DefaultStateTopic
	}
	return &MQTTOutput{client: client, stateTopic: st}
}

func (m *MQTTOutput) Publish(batch session.Batch) error {
	if len(batch.Readings) == 0 {
		return nil
	}
	return publishJSON(m.client, m.stateTopic, false, statePayload(batch))
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func statePayload(batch session.Batch) StatePayload {
	last := batch.Readings[len(batch.Readings)-1]
	var sum float64
	for _, r := range batch.Readings {
		sum += r.NTU
	}
	return StatePayload{
		SessionID:     batch.SessionID,
		Readings:      len(batch.Readings),
		NTU:           last.NTU,
		NTUMean:       sum / float64(len(batch.Readings)),
		RawMilliVolts: last.RawMilliVolts,
		DeviceEpochMs: strconv.FormatUint(last.DeviceEpochMs, 10),
	}
}

func discoveryName(cfg config.MQTTConfig, clientID string) string {
	if cfg.DiscoveryName != "" {
		return cfg.DiscoveryName
	}
	return fmt.Sprintf("Turbidity %s", clientID)
}

func discoveryUniqueID(cfg config.MQTTConfig, clientID string) string {
	if cfg.DiscoveryUniqueID != "" {
		return cfg.DiscoveryUniqueID
	}
	return clientID + "_ntu"
}

// helper: base discovery payload map
func baseDiscoveryPayload(name, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unitNTU,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateNTU,
		keyJSONAttributesTopic: stateTopic,
		keyIcon:                iconTurbidity,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client publisher, topic string, retained bool, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
