// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records link exchanges as a stream of CBOR records and
// reads them back for replay.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Record is one captured exchange. Keys are small integers to keep the
// file compact, following the device's own CBOR convention.
type Record struct {
	Time    time.Time `cbor:"1,keyasint"`
	Opcode  string    `cbor:"2,keyasint"`
	Code    byte      `cbor:"3,keyasint"`
	Value   byte      `cbor:"4,keyasint"`
	Tx      []byte    `cbor:"5,keyasint"`
	Rx      []byte    `cbor:"6,keyasint,omitempty"`
	Payload []byte    `cbor:"7,keyasint,omitempty"`
	Err     string    `cbor:"8,keyasint,omitempty"`

	Result warmlink.ExchangeResult `cbor:"9,keyasint"`
	Device bool                    `cbor:"10,keyasint,omitempty"`
}

// NewRecord converts an exchange into its captured form
func NewRecord(ex link.Exchange) Record {
	r := Record{
		Time:    ex.Time,
		Opcode:  ex.Command.Op.String(),
		Code:    ex.Code,
		Value:   ex.Command.Value,
		Tx:      ex.Tx,
		Rx:      ex.Rx,
		Payload: ex.Payload,
	}
	if ex.Err != nil {
		r.Err = ex.Err.Error()
	}
	result, counted := link.Classify(ex.Err)
	r.Result = result
	r.Device = !counted
	return r
}

// Outcome classifies the record for statistics. It reports false for a
// device failure, which is not an exchange outcome.
func (r Record) Outcome() (warmlink.ExchangeResult, []warmlink.ValidationError, bool) {
	if r.Device {
		return 0, nil, false
	}
	if r.Err != "" {
		return r.Result, nil, true
	}
	status, err := warmlink.ParseStatus(r.Payload)
	if err != nil {
		return warmlink.ResultShort, nil, true
	}
	return warmlink.ResultOK, warmlink.ValidateStatus(status), true
}

// Format renders a record for replay output
func (r Record) Format(table warmlink.OpcodeTable) string {
	s := fmt.Sprintf("[%s] %s (0x%02X) value=%d\n  TX: %s\n",
		r.Time.Format("15:04:05.000"), r.Opcode, r.Code, r.Value, warmlink.FormatHex(r.Tx))
	if len(r.Rx) > 0 {
		s += fmt.Sprintf("  RX: %s\n", warmlink.FormatHex(r.Rx))
	}
	if r.Err != "" {
		return s + fmt.Sprintf("  ERROR: %s\n", r.Err)
	}
	if status, err := warmlink.ParseStatus(r.Payload); err == nil {
		s += warmlink.FormatStatus(table, status)
	}
	return s
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer appends records to a stream. It implements link.Recorder.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
	count  int
	failed bool
}

// NewWriter creates a writer on w
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{
		buf: buf,
		enc: encMode.NewEncoder(buf),
	}
}

// Create opens path for appending and returns a writer on it
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// Write encodes one record
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("encode capture record: %w", err)
	}
	w.count++
	return w.buf.Flush()
}

// RecordExchange captures an exchange. Write failures are logged once and
// never reach the link.
func (w *Writer) RecordExchange(ex link.Exchange) {
	if err := w.Write(NewRecord(ex)); err != nil {
		w.mu.Lock()
		first := !w.failed
		w.failed = true
		w.mu.Unlock()
		if first {
			log.Error().Err(err).Msg("Capture write failed")
		}
	}
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the underlying file if the writer owns one
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.buf.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// Reader decodes records from a stream
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a reader on r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record, or io.EOF at the end of the stream
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("decode capture record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every record of a capture file
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	var records []Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
