// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Connection is a byte transport to the warmer's microcontroller
type Connection interface {
	io.Writer
	io.Closer

	// ReadTimeout reads available bytes, waiting at most timeout.
	// It returns 0, nil when nothing arrived in time.
	ReadTimeout(p []byte, timeout time.Duration) (int, error)

	// Flush discards bytes received but not yet read and output not yet sent
	Flush() error
}

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Flush() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return err
	}
	return s.port.ResetOutputBuffer()
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// Port exposes the underlying port for modem line control
func (s *SerialConnection) Port() serial.Port {
	return s.port
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = fmt.Errorf("websocket connection closed")

// WebSocketConnection wraps a WebSocket serial bridge. Binary messages carry
// raw serial bytes in both directions.
type WebSocketConnection struct {
	conn *websocket.Conn

	data    chan []byte
	done    chan struct{}
	closing chan struct{}

	mu   sync.Mutex
	buf  []byte
	err  error
	once sync.Once
}

func newWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	w := &WebSocketConnection{
		conn: conn,
		data:    make(chan []byte, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// readLoop moves binary messages onto the data channel until the socket fails
func (w *WebSocketConnection) readLoop() {
	defer close(w.done)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			return
		}

		// Only binary messages carry serial data
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.data <- data:
		case <-w.closing:
			return
		}
	}
}

func (w *WebSocketConnection) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-w.data:
		n := copy(p, data)
		w.buf = data[n:]
		return n, nil
	case <-w.done:
		// Deliver anything queued before the failure
		select {
		case data := <-w.data:
			n := copy(p, data)
			w.buf = data[n:]
			return n, nil
		default:
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.err != nil {
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
		}
		return 0, ErrConnectionClosed
	case <-timer.C:
		return 0, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Flush() error {
	w.buf = nil
	for {
		select {
		case <-w.data:
		default:
			return nil
		}
	}
}

func (w *WebSocketConnection) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closing)
		err = w.conn.Close()
	})
	return err
}

// OpenSerialConnection opens a serial port connection (8N1)
func OpenSerialConnection(portName string, baudRate int) (*SerialConnection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("serial port %s: %w", portName, err)}
	}

	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &DeviceError{Op: "open", Err: fmt.Errorf("websocket handshake failed (HTTP %d): %w", resp.StatusCode, err)}
		}
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("websocket connection failed: %w", err)}
	}

	return newWebSocketConnection(conn), nil
}
