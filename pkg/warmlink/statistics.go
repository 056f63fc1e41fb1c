// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"fmt"
	"time"
)

// Statistics tracks request/response exchanges and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalExchanges  uint64
	ValidExchanges  uint64
	Timeouts        uint64
	ChecksumErrors  uint64
	Nacks           uint64
	ShortPayloads   uint64
	DecodeErrors    uint64
	AnomalousValues uint64
	InvalidSwitch   uint64
	InvalidFreq     uint64
	InvalidTemp     uint64

	// Rates (calculated)
	ExchangeRate float64 // exchanges/sec
	ErrorRate    float64 // errors/sec
}

// ExchangeResult classifies the outcome of one exchange
type ExchangeResult int

const (
	ResultOK ExchangeResult = iota
	ResultTimeout
	ResultChecksum
	ResultNack
	ResultShort
	ResultDecode
)

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one exchange and any anomalies found in its payload
func (s *Statistics) Update(result ExchangeResult, validationErrors []ValidationError) {
	s.TotalExchanges++
	s.LastUpdateTime = time.Now()

	switch result {
	case ResultTimeout:
		s.Timeouts++
		return
	case ResultChecksum:
		s.ChecksumErrors++
		return
	case ResultNack:
		s.Nacks++
		return
	case ResultShort:
		s.ShortPayloads++
		return
	case ResultDecode:
		s.DecodeErrors++
		return
	}

	if len(validationErrors) == 0 {
		s.ValidExchanges++
		return
	}

	for _, err := range validationErrors {
		s.AnomalousValues++
		switch err.Type {
		case AnomalyInvalidSwitch:
			s.InvalidSwitch++
		case AnomalyInvalidFrequency:
			s.InvalidFreq++
		case AnomalyInvalidTemp:
			s.InvalidTemp++
		}
	}
}

// Errors returns the number of failed exchanges
func (s *Statistics) Errors() uint64 {
	return s.Timeouts + s.ChecksumErrors + s.Nacks + s.ShortPayloads + s.DecodeErrors
}

// CalculateRates calculates exchange and error rates
func (s *Statistics) CalculateRates() {
	elapsed := s.LastUpdateTime.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.ExchangeRate = float64(s.TotalExchanges) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalExchanges == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalExchanges)
	}

	elapsed := s.LastUpdateTime.Sub(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Exchanges: %8d\n", s.TotalExchanges)
	result += fmt.Sprintf("Valid Exchanges: %8d (%.1f%%)\n", s.ValidExchanges, percent(s.ValidExchanges))

	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d (%.1f%%)\n", s.Timeouts, percent(s.Timeouts))
	}
	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors))
	}
	if s.Nacks > 0 {
		result += fmt.Sprintf("NACKs:           %8d (%.1f%%)\n", s.Nacks, percent(s.Nacks))
	}
	if s.ShortPayloads > 0 {
		result += fmt.Sprintf("Short Payloads:  %8d (%.1f%%)\n", s.ShortPayloads, percent(s.ShortPayloads))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d\n", s.AnomalousValues)
		if s.InvalidSwitch > 0 {
			result += fmt.Sprintf("  Invalid Switch:   %5d\n", s.InvalidSwitch)
		}
		if s.InvalidFreq > 0 {
			result += fmt.Sprintf("  Invalid PWM Code: %5d\n", s.InvalidFreq)
		}
		if s.InvalidTemp > 0 {
			result += fmt.Sprintf("  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
	}

	result += fmt.Sprintf("Exchange Rate:   %8.1f /sec\n", s.ExchangeRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
