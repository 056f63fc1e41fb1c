// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func samplePayload() StatusPayload {
	return StatusPayload{
		Echo:         0x07,
		Door:         1,
		Channels:     [ChannelCount]float32{36.5, 36.75, 35.25, 35.5},
		MotorDuty:    0xC0,
		FanPower:     1,
		FanDuty:      0xFF,
		HeaterDuty:   42,
		PWMFrequency: DefaultFrequency,
	}
}

// ============================================================
// Payload Tests
// ============================================================

func TestParseStatus(t *testing.T) {
	want := samplePayload()
	raw := want.Bytes()

	if len(raw) != StatusSize {
		t.Fatalf("Bytes() length = %d, want %d", len(raw), StatusSize)
	}

	got, err := ParseStatus(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("ParseStatus = %+v, want %+v", got, want)
	}
}

func TestParseStatus_LittleEndianChannels(t *testing.T) {
	raw := make([]byte, StatusSize)
	// 37.0 = 0x42140000
	copy(raw[8:12], []byte{0x00, 0x00, 0x14, 0x42})

	got, err := ParseStatus(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Channels[ChannelBag1A] != 37.0 {
		t.Errorf("channel 0 = %v, want 37.0", got.Channels[ChannelBag1A])
	}
}

func TestParseStatus_Short(t *testing.T) {
	_, err := ParseStatus(make([]byte, StatusSize-1))
	if !errors.Is(err, ErrShortPayload) {
		t.Errorf("expected ErrShortPayload, got %v", err)
	}
}

func TestIsNack(t *testing.T) {
	if !IsNack([]byte{NackByte}, NackByte) {
		t.Error("NACK not detected")
	}
	if IsNack([]byte{0x07}, NackByte) || IsNack(nil, NackByte) {
		t.Error("false NACK")
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidateStatus(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *StatusPayload)
		want   []AnomalyType
	}{
		{"clean", func(p *StatusPayload) {}, nil},
		{"switch out of range", func(p *StatusPayload) { p.Door = 7 }, []AnomalyType{AnomalyInvalidSwitch}},
		{"frequency below range", func(p *StatusPayload) { p.PWMFrequency = 10 }, []AnomalyType{AnomalyInvalidFrequency}},
		{"hot channel", func(p *StatusPayload) { p.Channels[2] = 75 }, []AnomalyType{AnomalyInvalidTemp}},
		{"nan channel", func(p *StatusPayload) { p.Channels[0] = float32(math.NaN()) }, []AnomalyType{AnomalyInvalidTemp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			tt.modify(&p)
			errs := ValidateStatus(p)
			if len(errs) != len(tt.want) {
				t.Fatalf("got %d anomalies (%v), want %d", len(errs), errs, len(tt.want))
			}
			for i, e := range errs {
				if e.Type != tt.want[i] {
					t.Errorf("anomaly %d type = %d, want %d", i, e.Type, tt.want[i])
				}
			}
		})
	}
}

func TestValidateEcho(t *testing.T) {
	p := samplePayload()
	if err := ValidateEcho(p, 0x07); err != nil {
		t.Errorf("unexpected mismatch: %v", err)
	}
	if err := ValidateEcho(p, 0x08); err == nil || err.Type != AnomalyEchoMismatch {
		t.Errorf("expected echo mismatch, got %v", err)
	}
}

// ============================================================
// Statistics and Formatter Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	s.Update(ResultOK, nil)
	s.Update(ResultOK, []ValidationError{{Type: AnomalyInvalidTemp}})
	s.Update(ResultTimeout, nil)
	s.Update(ResultChecksum, nil)
	s.Update(ResultNack, nil)

	if s.TotalExchanges != 5 {
		t.Errorf("TotalExchanges = %d", s.TotalExchanges)
	}
	if s.ValidExchanges != 1 || s.InvalidTemp != 1 || s.AnomalousValues != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.Errors() != 3 {
		t.Errorf("Errors() = %d, want 3", s.Errors())
	}
	if !strings.Contains(s.String(), "Checksum Errors") {
		t.Errorf("summary missing checksum line:\n%s", s.String())
	}

	s.Reset()
	if s.TotalExchanges != 0 {
		t.Error("Reset did not clear counters")
	}
}

func TestFormatStatus(t *testing.T) {
	out := FormatStatus(DefaultOpcodes(), samplePayload())

	for _, want := range []string{"STATUS_REQUEST", "door=closed", "A=36.50°C", "30.5Hz", "heater=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatStatus missing %q:\n%s", want, out)
		}
	}
}

func TestOpcodeTable(t *testing.T) {
	table := DefaultOpcodes()
	if err := table.Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}

	op, ok := table.Lookup(0x0B)
	if !ok || op != HeaterDutySet {
		t.Errorf("Lookup(0x0B) = %v, %v", op, ok)
	}

	table.FanDutySet = table.MotorDutySet
	if err := table.Validate(); err == nil {
		t.Error("duplicate codes accepted")
	}

	table = DefaultOpcodes()
	table.StatusRequest = EscByte
	if err := table.Validate(); err == nil {
		t.Error("control byte accepted as opcode")
	}
}
