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

// Package spi implements ese.Link over a SPI-attached secure element, per
// spec.md §6: mode 0, 8 bits per word, frequency taken from ATP.MSF.
package spi

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// mode is fixed per spec.md §6: SPI mode 0, MSB first, 8 bits per word.
const mode = spi.Mode0

// Transport implements ese.Link over a SPI byte pipe. A write shifts buf
// out while discarding the simultaneous readback; a read shifts out
// zero bytes while capturing whatever the card clocks back, which is how
// a half-duplex byte pipe is conventionally layered over full-duplex SPI.
type Transport struct {
	port     spi.PortCloser
	conn     spi.Conn
	portName string
}

// Open opens portName (e.g. "/dev/spidev0.0") at freqKHz (from ATP.MSF;
// pass 0 before the ATP is known to get a conservative 1 MHz default).
func Open(portName string, freqKHz uint32) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("ese/spi: periph host init: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("ese/spi: open %s: %w", portName, err)
	}

	freq := 1 * physic.MegaHertz
	if freqKHz > 0 {
		freq = physic.Frequency(freqKHz) * physic.KiloHertz
	}

	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("ese/spi: connect %s: %w", portName, err)
	}

	return &Transport{port: port, conn: conn, portName: portName}, nil
}

// Read shifts out len(buf) zero bytes, capturing the card's simultaneous
// output into buf.
func (t *Transport) Read(buf []byte) (int, error) {
	tx := make([]byte, len(buf))
	if err := t.conn.Tx(tx, buf); err != nil {
		return 0, fmt.Errorf("ese/spi: read: %w", err)
	}
	return len(buf), nil
}

// Write shifts buf out, discarding the simultaneous readback.
func (t *Transport) Write(buf []byte) (int, error) {
	if err := t.conn.Tx(buf, nil); err != nil {
		return 0, fmt.Errorf("ese/spi: write: %w", err)
	}
	return len(buf), nil
}

// Close releases the SPI port.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Path returns the device path this transport was opened with.
func (t *Transport) Path() string { return t.portName }
