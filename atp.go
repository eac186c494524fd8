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

package ese

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// ATP holds the Answer-To-Protocol parameters, read once from the card (or
// a cached file) and thereafter read-only (spec.md §3).
type ATP struct {
	Checksum ChecksumKind
	IFSC     uint8
	IFSD     uint8
	BWT      time.Duration
	MSF      uint32 // nominal SPI/I2C clock, kHz
}

// DefaultATP holds the conservative parameters readATPOnWire frames the
// power-up ATP dialog with; the engine then runs on the ATP the card (or
// the cache file) supplies.
func DefaultATP() ATP {
	return ATP{Checksum: ChecksumCRC, IFSC: 254, IFSD: DefaultIFSD, BWT: 300 * time.Millisecond, MSF: 1000}
}

// atpWireSize is the fixed-layout length of the cached/on-wire ATP record:
// checksum kind (1), IFSC (1), IFSD (1), BWT ms (2, LE), MSF kHz (4, LE).
const atpWireSize = 9

// EncodeATP serializes an ATP to its cache-file/wire representation.
func EncodeATP(a ATP) []byte {
	buf := make([]byte, atpWireSize)
	buf[0] = byte(a.Checksum)
	buf[1] = a.IFSC
	buf[2] = a.IFSD
	binary.LittleEndian.PutUint16(buf[3:5], uint16(a.BWT/time.Millisecond))
	binary.LittleEndian.PutUint32(buf[5:9], a.MSF)
	return buf
}

// ParseATP decodes raw ATP bytes, as produced either by the on-wire
// SWRESET/ATP S-block payload or by a cached file written by a previous
// init (spec.md §4.6).
func ParseATP(data []byte) (ATP, error) {
	if len(data) < atpWireSize {
		return ATP{}, fmt.Errorf("ese: atp record too short: %d bytes", len(data))
	}
	kind := ChecksumKind(data[0])
	if kind != ChecksumLRC && kind != ChecksumCRC {
		return ATP{}, fmt.Errorf("ese: atp declares unknown checksum kind %d", data[0])
	}
	return ATP{
		Checksum: kind,
		IFSC:     data[1],
		IFSD:     data[2],
		BWT:      time.Duration(binary.LittleEndian.Uint16(data[3:5])) * time.Millisecond,
		MSF:      binary.LittleEndian.Uint32(data[5:9]),
	}, nil
}

// ReadATPFromFile loads and parses a cached ATP at path.
func ReadATPFromFile(path string) (ATP, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-configured, not user input
	if err != nil {
		return ATP{}, fmt.Errorf("ese: reading atp cache: %w", err)
	}
	return ParseATP(data)
}

// WriteATPCache persists atp to path so the next init can skip the on-wire
// ATP read.
func WriteATPCache(path string, atp ATP) error {
	if err := os.WriteFile(path, EncodeATP(atp), 0o600); err != nil {
		return fmt.Errorf("ese: writing atp cache: %w", err)
	}
	return nil
}

// DeleteATPCache removes the cache file, forcing the next init to read ATP
// on-wire again. Used by the WARM_RESET recovery step (spec.md §4.4.5).
// A missing file is not an error.
func DeleteATPCache(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ese: deleting atp cache: %w", err)
	}
	return nil
}

// atpCacheExists reports whether a cache file is present at path.
func atpCacheExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// synthesizedATR is the fixed ISO 7816-3-shaped ATR GetATR() returns, since
// the eSE exposes ATP rather than an ATR (spec.md §6, supplemented from
// original_source's getAtr()).
var synthesizedATR = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A}
