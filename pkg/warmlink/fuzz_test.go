// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomBody returns random bytes biased toward control bytes
func randomBody(rng *rand.Rand, n int) []byte {
	body := make([]byte, n)
	for i := range body {
		if rng.Intn(4) == 0 {
			body[i] = []byte{BeginByte, EndByte, EscByte}[rng.Intn(3)]
		} else {
			body[i] = byte(rng.Intn(256))
		}
	}
	return body
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

func TestFuzz_EncodeDecodeRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)

	for round := 0; round < getFuzzRounds(); round++ {
		body := randomBody(rng, rng.Intn(40))
		if got := Decode(Encode(body)); !bytes.Equal(got, body) {
			t.Fatalf("round %d: Decode(Encode(%X)) = %X", round, body, got)
		}
	}
}

func TestFuzz_FrameRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	d := NewDecoder()

	for round := 0; round < getFuzzRounds(); round++ {
		body := randomBody(rng, 1+rng.Intn(StatusSize))
		frame := Frame(body)

		var payload []byte
		for i, b := range frame {
			p, err := d.DecodeByte(b)
			if err != nil {
				t.Fatalf("round %d: frame %X byte %d: %v", round, frame, i, err)
			}
			if p != nil {
				payload = p
			}
		}
		if !bytes.Equal(payload, body) {
			t.Fatalf("round %d: decoded %X, want %X", round, payload, body)
		}
	}
}

func TestFuzz_DecoderGarbage(t *testing.T) {
	rng := newFuzzRng(t)
	d := NewDecoder()

	// Random input must never panic and the decoder must recover afterwards
	for round := 0; round < getFuzzRounds(); round++ {
		for _, b := range randomBody(rng, rng.Intn(200)) {
			d.DecodeByte(b)
		}
	}

	var payload []byte
	for _, b := range BuildFrame(0x07, 0x00) {
		if p, err := d.DecodeByte(b); err == nil && p != nil {
			payload = p
		}
	}
	if !bytes.Equal(payload, []byte{0x07, 0x00}) {
		t.Errorf("decoder did not recover after garbage: %X", payload)
	}
}
