// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package output

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Thermoquad/ppkstat/internal/config"
)

// MQTTOutput publishes readings as JSON to a broker topic
type MQTTOutput struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTT connects to the configured broker
func NewMQTT(cfg config.MQTTConfig) (*MQTTOutput, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return newMQTTOutput(client, cfg.Topic, byte(cfg.QoS)), nil
}

func newMQTTOutput(client mqtt.Client, topic string, qos byte) *MQTTOutput {
	return &MQTTOutput{client: client, topic: topic, qos: qos}
}

// Publish implements Output
func (m *MQTTOutput) Publish(readings []Reading) error {
	for _, r := range readings {
		b, err := MarshalPayload(r)
		if err != nil {
			return err
		}
		token := m.client.Publish(m.topic, m.qos, false, b)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", m.topic, err)
		}
	}
	return nil
}

// Close implements Output
func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}
