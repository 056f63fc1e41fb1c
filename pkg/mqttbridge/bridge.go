// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mqttbridge publishes controller state and events to an MQTT
// broker and optionally accepts operator commands from it.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/control"
)

// DefaultInterval is the minimum spacing of retained state messages
const DefaultInterval = time.Second

const publishTimeout = 2 * time.Second

// Controller is the operator surface driven by remote commands
type Controller interface {
	SetTarget(t float64) error
	RequestStart() error
	RequestStop(restart bool) error
}

// Options configures a Bridge
type Options struct {
	TopicPrefix   string
	RemoteControl bool
	Interval      time.Duration
}

// Bridge relays a controller subscription to MQTT
type Bridge struct {
	client mqtt.Client
	ctrl   Controller
	opts   Options

	lastState time.Time
	now       func() time.Time
}

// ClientID returns a broker client ID stable for this host
func ClientID() string {
	id, err := machineid.ProtectedID("bagwarmer")
	if err != nil {
		log.Warn().Err(err).Msg("No machine ID, using random MQTT client ID")
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return "bagwarmer-" + id
}

// ClientOptions returns paho options with reconnect and logging handlers
func ClientOptions(broker, username, password string) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(ClientID()).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			log.Info().Msg("MQTT reconnecting")
		})
}

// New creates a bridge. The client may still be disconnected.
func New(client mqtt.Client, ctrl Controller, opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "bagwarmer"
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Bridge{
		client: client,
		ctrl:   ctrl,
		opts:   opts,
		now:    time.Now,
	}
}

// SetClient replaces the publishing client. It lets the bridge's OnConnect
// be registered on the options the client is built from.
func (b *Bridge) SetClient(client mqtt.Client) {
	b.client = client
}

func (b *Bridge) topic(suffix string) string {
	return b.opts.TopicPrefix + "/" + suffix
}

// OnConnect subscribes to the command topics. Register it as the client's
// OnConnectHandler so subscriptions survive reconnects.
func (b *Bridge) OnConnect(client mqtt.Client) {
	if !b.opts.RemoteControl {
		return
	}

	handlers := map[string]mqtt.MessageHandler{
		b.topic("cmd/setpoint"): b.handleSetpoint,
		b.topic("cmd/start"):    b.handleStart,
		b.topic("cmd/stop"):     b.handleStop,
	}
	for topic, h := range handlers {
		if t := client.Subscribe(topic, 1, h); t.Wait() && t.Error() != nil {
			log.Error().Err(t.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
		}
	}
	log.Info().Str("prefix", b.opts.TopicPrefix).Msg("MQTT remote control enabled")
}

func (b *Bridge) handleSetpoint(_ mqtt.Client, msg mqtt.Message) {
	t, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		log.Warn().Str("payload", string(msg.Payload())).Msg("Invalid remote setpoint")
		return
	}
	b.request("setpoint", b.ctrl.SetTarget(t))
}

func (b *Bridge) handleStart(mqtt.Client, mqtt.Message) {
	b.request("start", b.ctrl.RequestStart())
}

func (b *Bridge) handleStop(_ mqtt.Client, msg mqtt.Message) {
	restart := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "restart")
	b.request("stop", b.ctrl.RequestStop(restart))
}

func (b *Bridge) request(name string, err error) {
	if err != nil {
		log.Warn().Err(err).Str("command", name).Msg("Remote command not queued")
		return
	}
	log.Info().Str("command", name).Msg("Remote command queued")
}

// Run relays the subscription until ctx is done or the subscription closes
func (b *Bridge) Run(ctx context.Context, sub *control.Subscription) {
	snapshots, events := sub.Snapshots(), sub.Events()
	// A phase change publishes the next snapshot regardless of throttling
	force := false

	for snapshots != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.PublishEvent(ev)
			if ev.Kind == control.EventPhaseChange {
				force = true
			}
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			b.PublishState(snap, force)
			force = false
		}
	}
}

// PublishState publishes a retained snapshot. Unless forced, publishes
// closer together than the interval are skipped.
func (b *Bridge) PublishState(snap control.Snapshot, force bool) {
	now := b.now()
	if !force && !b.lastState.IsZero() && now.Sub(b.lastState) < b.opts.Interval {
		return
	}
	if b.publish(b.topic("state"), true, snap) {
		b.lastState = now
	}
}

// PublishEvent publishes an event
func (b *Bridge) PublishEvent(ev control.Event) {
	b.publish(b.topic("event"), false, ev)
}

func (b *Bridge) publish(topic string, retained bool, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("MQTT encode failed")
		return false
	}

	t := b.client.Publish(topic, 0, retained, data)
	if !t.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return false
	}
	if err := t.Error(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		return false
	}
	return true
}

// Connect connects the client and waits for the result
func Connect(client mqtt.Client) error {
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", t.Error())
	}
	return nil
}
