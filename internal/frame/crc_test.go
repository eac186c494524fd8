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

package frame

import "testing"

func TestLRC(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{name: "empty data", data: []byte{}, want: 0},
		{name: "single byte", data: []byte{0x42}, want: 0x42},
		{name: "two bytes xor", data: []byte{0x10, 0x23}, want: 0x33},
		{name: "self-cancelling", data: []byte{0xFF, 0xFF}, want: 0x00},
		{name: "tpdu-shaped prologue", data: []byte{0x00, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, want: 0x00 ^ 0x00 ^ 0x04 ^ 0xDE ^ 0xAD ^ 0xBE ^ 0xEF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := LRC(tt.data); got != tt.want {
				t.Errorf("LRC() = %#02x, want %#02x", got, tt.want)
			}
		})
	}
}

func TestCRC16EmptyInput(t *testing.T) {
	t.Parallel()
	// With no bytes processed, the running register never leaves its
	// 0xFFFF init value; the final complement then yields zero.
	if got := CRC16([]byte{}); got != 0x0000 {
		t.Errorf("CRC16(empty) = %#04x, want 0x0000", got)
	}
}

func TestCRC16Deterministic(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x00, 0x0A, 0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x01, 0x51}
	a := CRC16(data)
	b := CRC16(data)
	if a != b {
		t.Fatalf("CRC16 not deterministic: %#04x vs %#04x", a, b)
	}
}

func TestCRC16DetectsBitFlip(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x00, 0x0A, 0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x01, 0x51}
	want := CRC16(data)

	corrupted := append([]byte(nil), data...)
	corrupted[3] ^= 0x01
	if got := CRC16(corrupted); got == want {
		t.Fatalf("CRC16 failed to detect single-bit flip: both %#04x", got)
	}
}
