// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mqttbridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/simulator"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return doneToken{}
}

func (f *fakeClient) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(f, message{topic: topic, payload: []byte(payload)})
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type fakeController struct {
	targets  []float64
	starts   int
	stops    []bool
	startErr error
}

func (c *fakeController) SetTarget(t float64) error {
	c.targets = append(c.targets, t)
	return nil
}

func (c *fakeController) RequestStart() error {
	c.starts++
	return c.startErr
}

func (c *fakeController) RequestStop(restart bool) error {
	c.stops = append(c.stops, restart)
	return nil
}

func TestPublishStateThrottled(t *testing.T) {
	client := newFakeClient()
	b := New(client, &fakeController{}, Options{TopicPrefix: "ward3"})

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	snap := control.Snapshot{Session: control.Session{Setpoint: 38.5, Phase: control.PhaseHeating}}
	b.PublishState(snap, false)
	now = now.Add(300 * time.Millisecond)
	b.PublishState(snap, false)
	now = now.Add(800 * time.Millisecond)
	b.PublishState(snap, false)
	b.PublishState(snap, true)

	msgs := client.published()
	require.Len(t, msgs, 3)
	assert.Equal(t, "ward3/state", msgs[0].topic)
	assert.True(t, msgs[0].retained)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].payload, &decoded))
	session := decoded["session"].(map[string]interface{})
	assert.Equal(t, 38.5, session["setpoint"])
	assert.Equal(t, "HEATING", session["phase"])
}

func TestPublishEvent(t *testing.T) {
	client := newFakeClient()
	b := New(client, &fakeController{}, Options{})

	b.PublishEvent(control.Event{Kind: control.EventFatalFault, Fault: control.FaultSensor})

	msgs := client.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bagwarmer/event", msgs[0].topic)
	assert.False(t, msgs[0].retained)
	assert.Contains(t, string(msgs[0].payload), `"kind":"fatal_fault"`)
	assert.Contains(t, string(msgs[0].payload), `"fault":"sensor"`)
}

func TestRemoteControlDisabled(t *testing.T) {
	client := newFakeClient()
	b := New(client, &fakeController{}, Options{})
	b.OnConnect(client)
	assert.Empty(t, client.handlers)
}

func TestRemoteCommands(t *testing.T) {
	client := newFakeClient()
	ctrl := &fakeController{startErr: control.ErrQueueFull}
	b := New(client, ctrl, Options{RemoteControl: true})
	b.OnConnect(client)
	require.Len(t, client.handlers, 3)

	client.deliver("bagwarmer/cmd/setpoint", " 39.2\n")
	client.deliver("bagwarmer/cmd/setpoint", "warm")
	client.deliver("bagwarmer/cmd/setpoint", "NaN")
	client.deliver("bagwarmer/cmd/setpoint", "+Inf")
	client.deliver("bagwarmer/cmd/start", "")
	client.deliver("bagwarmer/cmd/stop", "")
	client.deliver("bagwarmer/cmd/stop", "RESTART")

	assert.Equal(t, []float64{39.2}, ctrl.targets)
	assert.Equal(t, 1, ctrl.starts)
	assert.Equal(t, []bool{false, true}, ctrl.stops)
}

func TestClientID(t *testing.T) {
	id := ClientID()
	assert.True(t, strings.HasPrefix(id, "bagwarmer-"))
	assert.LessOrEqual(t, len(id), len("bagwarmer-")+12)
}

func TestRunRelaysSubscription(t *testing.T) {
	dev := simulator.New(simulator.Options{Step: time.Millisecond})
	l := link.New(dev, link.WithTimeout(20*time.Millisecond))
	t.Cleanup(func() { l.Close() })
	ctrl := control.New(l, hardware.NewModel(hardware.DefaultConfig()), control.DefaultConfig())

	client := newFakeClient()
	b := New(client, ctrl, Options{})
	sub := ctrl.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, sub)
		close(done)
	}()

	require.NoError(t, ctrl.Tick())
	require.Eventually(t, func() bool { return len(client.published()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bagwarmer/state", client.published()[0].topic)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
