// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package i2c implements ese.Link over an I2C-attached secure element.
package i2c

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Transport implements ese.Link over a single I2C device address.
type Transport struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser
	busName string
}

// parseI2CPath extracts the bus path from a composite "/dev/i2c-1:0x18"
// detection-style path, or returns path unchanged if it carries no
// address suffix.
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// Open opens busName (e.g. "/dev/i2c-1") and addresses the device at
// addr (7-bit I2C address).
func Open(busName string, addr uint16) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("ese/i2c: periph host init: %w", err)
	}

	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, fmt.Errorf("ese/i2c: open %s: %w", busName, err)
	}

	dev := &i2c.Dev{Addr: addr, Bus: bus}
	return &Transport{dev: dev, bus: bus, busName: busName}, nil
}

// Read reads len(buf) bytes from the device into buf.
func (t *Transport) Read(buf []byte) (int, error) {
	if err := t.dev.Tx(nil, buf); err != nil {
		return 0, fmt.Errorf("ese/i2c: read: %w", err)
	}
	return len(buf), nil
}

// Write writes buf to the device.
func (t *Transport) Write(buf []byte) (int, error) {
	if err := t.dev.Tx(buf, nil); err != nil {
		return 0, fmt.Errorf("ese/i2c: write: %w", err)
	}
	return len(buf), nil
}

// Close releases the I2C bus file descriptor.
func (t *Transport) Close() error {
	if t.bus == nil {
		return nil
	}
	err := t.bus.Close()
	t.bus = nil
	return err
}

// Path returns the bus path this transport was opened with.
func (t *Transport) Path() string { return t.busName }
