// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package datalog appends the average bag temperature of running sessions
// to a tab-delimited file.
package datalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/Thermoquad/bagwarmer/pkg/control"
)

// TimeLayout is the timestamp format of the first column
const TimeLayout = "Mon Jan _2 15:04:05 2006"

// Header is written at the start of every run
var Header = []string{"Date/Time", "Average Bag Temperature (C)"}

// Log writes one row per running tick. It implements control.Recorder.
type Log struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	run    uuid.UUID
	rows   int
}

// New creates a log on w
func New(w io.Writer) *Log {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	cw.UseCRLF = true
	return &Log{w: cw}
}

// Open opens path for appending
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open datalog: %w", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Record appends the snapshot's average temperature, preceded by the
// header when a new run begins
func (l *Log) Record(s control.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.Session.RunID != l.run {
		l.run = s.Session.RunID
		if err := l.w.Write(Header); err != nil {
			return fmt.Errorf("write datalog header: %w", err)
		}
	}

	row := []string{
		s.Time.Local().Format(TimeLayout),
		fmt.Sprintf("%.2f", s.Hardware.Average),
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write datalog row: %w", err)
	}
	l.rows++

	l.w.Flush()
	return l.w.Error()
}

// Rows returns the number of data rows written
func (l *Log) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close flushes and closes the file if the log owns one
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w.Flush()
	err := l.w.Error()
	if l.closer != nil {
		err = errors.Join(err, l.closer.Close())
	}
	return err
}
