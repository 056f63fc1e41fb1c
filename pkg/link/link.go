// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link performs bounded request/response exchanges with the
// warmer's microcontroller over a serial port or a WebSocket bridge.
package link

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// DefaultTimeout bounds a single exchange
const DefaultTimeout = 250 * time.Millisecond

// Exchange describes one command and its outcome
type Exchange struct {
	Time    time.Time
	Command warmlink.Command
	Code    byte
	Tx      []byte
	Rx      []byte
	Payload []byte
	Err     error
}

// Recorder receives every completed exchange
type Recorder interface {
	RecordExchange(Exchange)
}

// Link owns a Connection and serializes exchanges on it
type Link struct {
	conn     Connection
	table    warmlink.OpcodeTable
	timeout  time.Duration
	recorder Recorder

	mu      sync.Mutex
	decoder *warmlink.Decoder
	stats   *warmlink.Statistics
	readBuf []byte
}

// Option configures a Link
type Option func(*Link)

// WithOpcodes selects the opcode table of the paired firmware
func WithOpcodes(table warmlink.OpcodeTable) Option {
	return func(l *Link) { l.table = table }
}

// WithTimeout sets the exchange timeout
func WithTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRecorder attaches an exchange recorder
func WithRecorder(r Recorder) Option {
	return func(l *Link) { l.recorder = r }
}

// New creates a Link over conn
func New(conn Connection, opts ...Option) *Link {
	l := &Link{
		conn:    conn,
		table:   warmlink.DefaultOpcodes(),
		timeout: DefaultTimeout,
		decoder: warmlink.NewDecoder(),
		stats:   warmlink.NewStatistics(),
		readBuf: make([]byte, 256),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Opcodes returns the opcode table in use
func (l *Link) Opcodes() warmlink.OpcodeTable {
	return l.table
}

// Statistics returns a copy of the exchange counters
func (l *Link) Statistics() warmlink.Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := *l.stats
	stats.CalculateRates()
	return stats
}

// Close closes the underlying connection
func (l *Link) Close() error {
	return l.conn.Close()
}

// SendCommand transmits one command and waits for the reply frame.
//
// Stale input is discarded before sending. The decoded reply payload is
// returned on success. ErrTimeout, ErrNack and warmlink.ErrChecksumMismatch
// are recoverable; a *DeviceError means the port itself failed.
func (l *Link) SendCommand(cmd warmlink.Command) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ex := Exchange{
		Time:    time.Now(),
		Command: cmd,
		Code:    l.table.Code(cmd.Op),
		Tx:      l.table.Frame(cmd),
	}

	ex.Payload, ex.Rx, ex.Err = l.exchange(ex.Tx)
	l.account(ex)

	if l.recorder != nil {
		l.recorder.RecordExchange(ex)
	}

	return ex.Payload, ex.Err
}

func (l *Link) exchange(frame []byte) ([]byte, []byte, error) {
	if err := l.conn.Flush(); err != nil {
		return nil, nil, &DeviceError{Op: "flush", Err: err}
	}

	if _, err := l.conn.Write(frame); err != nil {
		return nil, nil, &DeviceError{Op: "write", Err: err}
	}

	l.decoder.Reset()
	deadline := time.Now().Add(l.timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, rawCopy(l.decoder), ErrTimeout
		}

		n, err := l.conn.ReadTimeout(l.readBuf, remaining)
		if err != nil {
			return nil, rawCopy(l.decoder), &DeviceError{Op: "read", Err: err}
		}

		for _, b := range l.readBuf[:n] {
			payload, err := l.decoder.DecodeByte(b)
			if err != nil {
				return nil, rawCopy(l.decoder), err
			}
			if payload == nil {
				continue
			}
			if warmlink.IsNack(payload, l.table.Nack) {
				return payload, rawCopy(l.decoder), ErrNack
			}
			return payload, rawCopy(l.decoder), nil
		}
	}
}

func rawCopy(d *warmlink.Decoder) []byte {
	return append([]byte(nil), d.GetRawBytes()...)
}

// Classify maps an exchange error to its statistics bucket. Device
// errors are not counted and report false.
func Classify(err error) (warmlink.ExchangeResult, bool) {
	switch {
	case err == nil:
		return warmlink.ResultOK, true
	case errors.Is(err, ErrTimeout):
		return warmlink.ResultTimeout, true
	case errors.Is(err, warmlink.ErrChecksumMismatch):
		return warmlink.ResultChecksum, true
	case errors.Is(err, ErrNack):
		return warmlink.ResultNack, true
	case errors.Is(err, warmlink.ErrShortPayload):
		return warmlink.ResultShort, true
	case IsDeviceError(err):
		return 0, false
	default:
		return warmlink.ResultDecode, true
	}
}

// account updates statistics and logs the outcome of an exchange
func (l *Link) account(ex Exchange) {
	result, counted := Classify(ex.Err)
	if !counted {
		log.Error().Err(ex.Err).Str("opcode", ex.Command.Op.String()).Msg("Device failure")
		return
	}
	if ex.Err != nil {
		l.stats.Update(result, nil)
		log.Debug().
			Str("opcode", ex.Command.Op.String()).
			Uint8("value", ex.Command.Value).
			Err(ex.Err).
			Msg("Exchange failed")
		return
	}

	status, err := warmlink.ParseStatus(ex.Payload)
	if err != nil {
		l.stats.Update(warmlink.ResultShort, nil)
		return
	}

	anomalies := warmlink.ValidateStatus(status)
	for _, a := range anomalies {
		log.Warn().Str("opcode", ex.Command.Op.String()).Msg(a.Message)
	}
	l.stats.Update(warmlink.ResultOK, anomalies)
}
