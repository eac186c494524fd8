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

import "time"

// Link constants fix the wire-level parameters of the SPI/I2C byte pipe.
const (
	// MinGuardMS is the minimum quiescence time between a read and a
	// subsequent write (or vice versa) on the half-duplex bus.
	MinGuardMS = 1 * time.Millisecond

	// DefaultIFSD is the host-announced max I-block data length the engine
	// accepts from the card. It stays fixed; a card IFS-request updates
	// IFSC, not IFSD.
	DefaultIFSD = 254

	// MaxTPDUSize is NAD+PCB+LEN+254 data bytes+2 checksum bytes, the
	// largest frame either side can ever send.
	MaxTPDUSize = 3 + 254 + 2

	// BlockPollInterval is how often wait_for_response polls the link for
	// the NAD start-of-frame byte while within its deadline.
	BlockPollInterval = 1 * time.Millisecond
)

// NAD byte values for this deployment (spec.md §6).
const (
	NADHostToSlave byte = 0x00
	NADSlaveToHost byte = 0x12
)

// Recovery escalation retry counts (spec.md §4.4.5). Each level is tried
// once before the engine advances to the next.
const (
	resendAttempts  = 2 // RESEND_1, RESEND_2
	resyncAttempts  = 3 // RESYNC_1, RESYNC_2, RESYNC_3
)

// Default cache path for the parsed ATP, matching the source deployment's
// well-known location (spec.md §6).
const DefaultATPCachePath = "/data/atp.bin"
