// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"fmt"
	"strings"
)

// FormatCommand formats a command and its wire code
func FormatCommand(t OpcodeTable, c Command) string {
	return fmt.Sprintf("%s (0x%02X) value=%d", c.Op, t.Code(c.Op), c.Value)
}

// FormatStatus formats a decoded status payload into a human-readable block
func FormatStatus(t OpcodeTable, p StatusPayload) string {
	var sb strings.Builder

	echo := "UNKNOWN"
	if op, ok := t.Lookup(p.Echo); ok {
		echo = op.String()
	}
	fmt.Fprintf(&sb, "STATUS echo=%s (0x%02X)\n", echo, p.Echo)
	fmt.Fprintf(&sb, "  Buttons: up=%s down=%s select=%s back=%s\n",
		formatSwitch(p.Up), formatSwitch(p.Down), formatSwitch(p.Select), formatSwitch(p.Back))
	fmt.Fprintf(&sb, "  Safety: pressure1=%s pressure2=%s door=%s\n",
		formatSwitch(p.Pressure1), formatSwitch(p.Pressure2), formatDoor(p.Door))
	fmt.Fprintf(&sb, "  Bag 1: A=%.2f°C B=%.2f°C\n", p.Channels[ChannelBag1A], p.Channels[ChannelBag1B])
	fmt.Fprintf(&sb, "  Bag 2: A=%.2f°C B=%.2f°C\n", p.Channels[ChannelBag2A], p.Channels[ChannelBag2B])
	fmt.Fprintf(&sb, "  Outputs: motor=%d fan=%d (power=%d) heater=%d\n",
		p.MotorDuty, p.FanDuty, p.FanPower, p.HeaterDuty)
	fmt.Fprintf(&sb, "  PWM: %s (code %d)\n", FormatFrequency(p.PWMFrequency), p.PWMFrequency)

	return sb.String()
}

// FormatFrequency returns the PWM frequency for a FREQ_SET code
func FormatFrequency(code byte) string {
	switch code {
	case FrequencyCode31kHz:
		return "31.250kHz"
	case FrequencyCode3kHz:
		return "3.906kHz"
	case FrequencyCode488Hz:
		return "488Hz"
	case FrequencyCode122Hz:
		return "122Hz"
	case FrequencyCode30Hz:
		return "30.5Hz"
	default:
		return "INVALID"
	}
}

// FormatHex returns a space separated hex dump
func FormatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func formatSwitch(v byte) string {
	switch v {
	case 0:
		return "off"
	case 1:
		return "on"
	default:
		return fmt.Sprintf("?%d", v)
	}
}

func formatDoor(v byte) string {
	switch v {
	case 0:
		return "open"
	case 1:
		return "closed"
	default:
		return fmt.Sprintf("?%d", v)
	}
}
