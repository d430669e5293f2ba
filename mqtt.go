package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

type MQTT struct {
	client  mqtt.Client
	topics  Topics
	sensors []Sensor
	poller  *Poller
	version string
	logger  *slog.Logger

	mu    sync.Mutex
	model string
}

// Init builds the client. It must be called before snapshots are published.
func (m *MQTT) Init(mqttUrl, clientID string) error {
	opts := mqtt.NewClientOptions()
	opts.ClientID = clientID

	if u, err := url.Parse(mqttUrl); err != nil {
		return fmt.Errorf("mqtt url parse: %w", err)
	} else {
		opts.Servers = []*url.URL{u}
		if u.User != nil {
			opts.SetUsername(u.User.Username())
			if pw, ok := u.User.Password(); ok {
				opts.SetPassword(pw)
			}
		}
	}

	opts.SetWill(m.topics.Availability(), AvailabilityOffline, 1, true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(m.connected)
	opts.SetConnectionLostHandler(m.disconnected)

	m.client = mqtt.NewClient(opts)

	return nil
}

// Start connects to the broker, retrying every second until it succeeds or
// ctx is done. Reconnects after that are handled by the client.
func (m *MQTT) Start(ctx context.Context) error {
	retry := time.NewTicker(1 * time.Second)
	defer retry.Stop()

	m.logger.Info("Attempting to connect to MQTT.")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			token := m.client.Connect()
			token.Wait()

			if err := token.Error(); err != nil {
				m.logger.Error("Connect attempt failed, will retry.", "err", err)
			} else {
				return nil
			}
		}
	}
}

func (m *MQTT) Stop() error {
	if m.client == nil {
		return nil
	}

	m.logger.Info("Disconnecting from MQTT.")

	if m.client.IsConnected() {
		m.publish(m.topics.Availability(), true, AvailabilityOffline)
	}
	m.client.Disconnect(1500)
	return nil
}

func (m *MQTT) connected(c mqtt.Client) {
	m.logger.Info("Connected to MQTT.")

	m.mu.Lock()
	m.model = ""
	m.mu.Unlock()

	snap := m.poller.Snapshot()
	m.publishDiscovery(snap.Model())

	token := c.Subscribe(m.topics.SetScanInterval(), 1, m.messageScanInterval)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		m.logger.Error("Failed to subscribe to scan interval.", "err", token.Error(), "topic", m.topics.SetScanInterval())
	}

	m.publishScanInterval()

	if !snap.FetchedAt.IsZero() {
		m.Publish(snap)
	}
}

func (m *MQTT) disconnected(c mqtt.Client, err error) {
	m.logger.Error("Disconnected from MQTT, reconnecting.", "err", err)
}

// Publish pushes a snapshot to Home Assistant. Discovery is republished when
// the reported printer model changes.
func (m *MQTT) Publish(snap Snapshot) {
	if m.client == nil || !m.client.IsConnected() {
		return
	}

	if snap.Online {
		m.publishDiscovery(snap.Model())
	}

	payload, err := json.Marshal(StateDocument(m.sensors, snap))
	if err != nil {
		m.logger.Error("Unable to marshal state payload.", "err", err)
		return
	}

	m.publish(m.topics.State(), true, payload)

	if snap.Online {
		m.publish(m.topics.Availability(), true, AvailabilityOnline)
	} else {
		m.publish(m.topics.Availability(), true, AvailabilityOffline)
	}
}

func (m *MQTT) publishDiscovery(model string) {
	m.mu.Lock()
	if m.model == model {
		m.mu.Unlock()
		return
	}
	m.model = model
	m.mu.Unlock()

	msgs := map[string]any{}
	for topic, msg := range DiscoveryMessages(m.topics, m.sensors, model, m.version) {
		msgs[topic] = msg
	}
	msgs[m.topics.ScanIntervalDiscovery()] = ScanIntervalDiscovery(m.topics, model, m.version)

	for topic, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			m.logger.Error("Unable to marshal discovery payload.", "err", err, "topic", topic)
			continue
		}
		m.publish(topic, true, payload)
	}

	m.logger.Info("Published discovery.", "model", model, "sensors", len(m.sensors))
}

func (m *MQTT) publishScanInterval() {
	secs := int(m.poller.Interval() / time.Second)
	m.publish(m.topics.ScanInterval(), true, strconv.Itoa(secs))
}

func (m *MQTT) publish(topic string, retained bool, payload any) {
	token := m.client.Publish(topic, 1, retained, payload)

	if !token.WaitTimeout(publishTimeout) {
		m.logger.Error("Timed out publishing.", "topic", topic)
	} else if err := token.Error(); err != nil {
		m.logger.Error("Failed to publish.", "err", err, "topic", topic)
	}
}

func (m *MQTT) messageScanInterval(c mqtt.Client, message mqtt.Message) {
	raw := strings.TrimSpace(string(message.Payload()))

	secs, err := strconv.Atoi(raw)
	if err != nil {
		m.logger.Error("Unable to parse scan interval payload.", "err", err, "payload", raw)
		return
	}

	if err := m.poller.SetInterval(time.Duration(secs) * time.Second); err != nil {
		m.logger.Error("Rejected scan interval.", "err", err)
		return
	}

	m.publishScanInterval()
}
