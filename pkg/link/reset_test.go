// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPIOLine_Pulse(t *testing.T) {
	root := t.TempDir()
	pinDir := filepath.Join(root, "gpio25")
	require.NoError(t, os.MkdirAll(pinDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pinDir, "direction"), []byte("in"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pinDir, "value"), []byte("0"), 0o644))

	line := &GPIOLine{Pin: 25, Root: root}
	require.NoError(t, line.Pulse(time.Millisecond))

	direction, err := os.ReadFile(filepath.Join(pinDir, "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(direction))

	value, err := os.ReadFile(filepath.Join(pinDir, "value"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(value))
}

func TestGPIOLine_MissingSysfs(t *testing.T) {
	line := &GPIOLine{Pin: 25, Root: filepath.Join(t.TempDir(), "missing")}
	err := line.Pulse(time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsDeviceError(err))
}
