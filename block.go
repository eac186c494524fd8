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
	"errors"
	"time"
)

// BlockComm drives the byte-level exchange of a single TPDU over a Link:
// write once (no retry at this layer), poll for the start-of-frame NAD
// byte within a BWT-derived deadline, then read the rest of the frame
// (spec.md §4.3).
type BlockComm struct {
	link     *GuardedLink
	checksum ChecksumKind
	bwt      time.Duration
}

// NewBlockComm creates a block-layer driver over link using the checksum
// kind and nominal BWT from atp.
func NewBlockComm(link *GuardedLink, atp ATP) *BlockComm {
	return &BlockComm{link: link, checksum: atp.Checksum, bwt: atp.BWT}
}

// WriteTpdu serializes and writes t once; callers handle retransmission.
func (b *BlockComm) WriteTpdu(t *Tpdu) error {
	_, err := b.link.Write(t.ToBytes())
	return err
}

// waitForResponse polls the link for the SE->host NAD byte within a
// deadline of nbwt*BWT, at BlockPollInterval granularity. A zero byte
// means "not ready yet"; any other unexpected byte is a framing error.
func (b *BlockComm) waitForResponse(nbwt int) (nad byte, err error) {
	if nbwt <= 0 {
		nbwt = 1
	}
	deadline := time.Now().Add(time.Duration(nbwt) * b.bwt)
	one := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, rerr := b.link.Read(one)
		if rerr != nil {
			return 0, rerr
		}
		if n == 1 {
			switch one[0] {
			case NADSlaveToHost:
				return one[0], nil
			case 0x00:
				// not ready yet
			default:
				return 0, NewConsistencyError("nad", ErrReservedBits)
			}
		}
		time.Sleep(BlockPollInterval)
	}
	return 0, NewLinkError("wait_for_response", b.link.Path(), ErrBlockTimeout, KindTimeout)
}

// readTpdu reads the remaining prologue (PCB, LEN), LEN data bytes, and the
// epilogue, given that nad was already consumed by waitForResponse.
func (b *BlockComm) readTpdu(nad byte) (*Tpdu, error) {
	rest := make([]byte, 2)
	if err := readFull(b.link, rest); err != nil {
		return nil, err
	}
	length := int(rest[1])
	tail := make([]byte, length+b.checksum.size())
	if err := readFull(b.link, tail); err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 3+len(tail))
	raw = append(raw, nad, rest[0], rest[1])
	raw = append(raw, tail...)
	return ParseTpdu(raw, b.checksum)
}

// ReadResponse waits for and reads one TPDU from the card within
// nbwt*BWT, returning (tpdu, timedOut, err). timedOut is true exactly when
// no NAD byte was ever observed; err covers every other failure
// (malformed frame, link fault).
func (b *BlockComm) ReadResponse(nbwt int) (tpdu *Tpdu, timedOut bool, err error) {
	nad, err := b.waitForResponse(nbwt)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	t, err := b.readTpdu(nad)
	if err != nil {
		return nil, false, err
	}
	return t, false, nil
}

// isTimeoutErr reports whether err is the BWT timeout sentinel.
func isTimeoutErr(err error) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Kind == KindTimeout
}
