// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Bagwarmer - Blood bag warmer controller
//
// Drives the warmer's microcontroller over a serial line and regulates
// the bag temperature through an incubation hold.

package main

import (
	"os"

	"github.com/Thermoquad/bagwarmer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
