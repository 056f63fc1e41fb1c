// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

// CalculateCRC computes the CRC-8 Dallas/Maxim checksum for the given data
func CalculateCRC(data []byte) uint8 {
	crc := uint8(crcInitial)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= crcPolynomial
			}
			b >>= 1
		}
	}
	return crc
}
