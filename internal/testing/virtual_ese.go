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

// Package testing provides a wire-level simulator of a T=1 secure element,
// for exercising the engine, channel manager, and recovery logic without
// real hardware.
package testing

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/vauxhall-labs/go-ese"
)

// VirtualESE implements ese.Link and simulates a T=1 secure element at the
// block layer: it parses each incoming TPDU, tracks its own N(S)/N(R), and
// answers MANAGE CHANNEL / SELECT dialogs from a small scripted table, with
// fault-injection hooks for the engine's recovery paths.
type VirtualESE struct {
	mu sync.Mutex

	atp ese.ATP

	pending []byte
	closed  bool

	nsSlave  byte // the card's own I-block send sequence
	nsMaster byte // the card's expectation of the host's N(S)

	cmdBuf []byte // accumulated data across a chained incoming command

	nextLogical byte // next channel index MANAGE CHANNEL OPEN will hand out
	opened      [4]bool

	selectSW map[string]uint16 // hex(aid) -> SW returned by SELECT

	dropNext      int  // consecutive writes to swallow (simulate BWT timeout)
	corruptNext   bool // flip the next response's checksum
	forceWTXMult  byte // if nonzero, answer once with a WTX-request first
	forceIFS      byte // if nonzero, answer once with an IFS-request first
	forceResynch  bool // if true, answer once with a RESYNCH-request first

	unsupportedMC bool // MANAGE CHANNEL OPEN always answers 6E00

	// stashedIBlock/awaitingAck hold a command whose real answer is
	// deferred behind a forced WTX/IFS/RESYNCH dialog: the original
	// I-block is parked here until the host's matching S-response arrives.
	stashedIBlock *ese.Tpdu
	awaitingAck   ese.SType
	haveAwaiting  bool

	// lastAnswer caches the most recent response so a retransmitted
	// I-block (same N(S) the card already consumed) gets the same reply
	// again instead of being reprocessed (spec.md §8 property 3).
	lastAnswer *ese.Tpdu
}

// NewVirtualESE creates a simulator using atp for checksum/IFSC framing.
func NewVirtualESE(atp ese.ATP) *VirtualESE {
	return &VirtualESE{
		atp:         atp,
		nextLogical: 1,
		selectSW:    make(map[string]uint16),
	}
}

// SetSelectStatus scripts the SW the simulator returns when aid is
// selected, overriding the default success (9000).
func (v *VirtualESE) SetSelectStatus(aid []byte, sw uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.selectSW[hex.EncodeToString(aid)] = sw
}

// DropNext causes the next n writes to produce no response at all,
// simulating a dead link for recovery-escalation tests.
func (v *VirtualESE) DropNext(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNext = n
}

// CorruptNextChecksum inverts every bit of the last epilogue byte of the
// next response.
func (v *VirtualESE) CorruptNextChecksum() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.corruptNext = true
}

// ForceWTX makes the simulator answer the next command with a
// WTX-request of the given multiplier before its real answer.
func (v *VirtualESE) ForceWTX(mult byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forceWTXMult = mult
}

// ForceIFS makes the simulator answer the next command with an
// IFS-request proposing newIFSC before its real answer.
func (v *VirtualESE) ForceIFS(newIFSC byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forceIFS = newIFSC
}

// ForceResynch makes the simulator answer the next command with a
// RESYNCH-request before its real answer.
func (v *VirtualESE) ForceResynch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forceResynch = true
}

// ForceUnsupportedManageChannel makes every MANAGE CHANNEL OPEN answer
// 6E00 (class not supported), as a card without logical-channel support
// would.
func (v *VirtualESE) ForceUnsupportedManageChannel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unsupportedMC = true
}

// Write feeds one serialized TPDU into the simulator and queues whatever
// response(s) it produces for the next Read calls.
func (v *VirtualESE) Write(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, errors.New("simulator: link is closed")
	}

	if v.dropNext > 0 {
		v.dropNext--
		return len(buf), nil
	}

	t, err := ese.ParseTpdu(buf, v.atp.Checksum)
	if err != nil {
		return 0, err
	}

	resp := v.handle(t)
	if resp != nil {
		// ToBytes aliases the Tpdu's own internal buffer; copy before
		// corrupting so we don't permanently mangle a cached lastAnswer
		// that happens to be the same object as resp.
		wire := append([]byte(nil), resp.ToBytes()...)
		if v.corruptNext {
			v.corruptNext = false
			wire[len(wire)-1] ^= 0xFF
		}
		v.pending = append(v.pending, wire...)
	}
	return len(buf), nil
}

// Read drains queued response bytes. With nothing queued it emits the
// "not ready" filler byte the block layer's poll loop treats as
// not-yet-arrived, so a caller that never queues a response observes a
// BWT timeout exactly as hardware silence would produce.
func (v *VirtualESE) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, errors.New("simulator: link is closed")
	}
	if len(v.pending) == 0 {
		for i := range buf {
			buf[i] = 0x00
		}
		return len(buf), nil
	}
	n := copy(buf, v.pending)
	v.pending = v.pending[n:]
	return n, nil
}

// Close marks the simulator closed; further Read/Write calls fail.
func (v *VirtualESE) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// Path reports a fixed synthetic identifier, as a real device path would.
func (v *VirtualESE) Path() string { return "sim://virtual-ese" }

// handle dispatches one received TPDU to the right supervisory or APDU
// response, per whatever block kind the host sent.
func (v *VirtualESE) handle(t *ese.Tpdu) *ese.Tpdu {
	switch t.Kind() {
	case ese.BlockS:
		return v.handleSBlock(t)
	case ese.BlockR:
		return v.handleRBlock(t)
	default:
		return v.handleIBlock(t)
	}
}

func (v *VirtualESE) handleSBlock(t *ese.Tpdu) *ese.Tpdu {
	if t.IsSResponse() && v.haveAwaiting && t.SKind() == v.awaitingAck {
		v.haveAwaiting = false
		stashed := v.stashedIBlock
		v.stashedIBlock = nil
		if stashed == nil {
			return nil
		}
		return v.completeIBlock(stashed)
	}

	switch t.SKind() {
	case ese.SResynch:
		if !t.IsSResponse() {
			v.nsMaster, v.nsSlave = 0, 0
			v.lastAnswer = nil
			resp, _ := ese.FormSBlock(ese.NADSlaveToHost, ese.SResynch, true, nil, v.atp.Checksum)
			return resp
		}
	case ese.SWReset:
		resp, _ := ese.FormSBlock(ese.NADSlaveToHost, ese.SWReset, true, ese.EncodeATP(v.atp), v.atp.Checksum)
		return resp
	}
	return nil
}

func (v *VirtualESE) handleRBlock(t *ese.Tpdu) *ese.Tpdu {
	// An R(error) is the host asking us to retransmit our last block. If
	// we have one cached, resend it verbatim (same N(S)); this is what
	// lets a lost-response timeout recover without reprocessing the
	// command underneath it.
	if v.lastAnswer != nil {
		return v.lastAnswer
	}
	resp, _ := ese.FormRBlock(ese.NADSlaveToHost, v.nsMaster, ese.RErrNone, v.atp.Checksum)
	return resp
}

func (v *VirtualESE) handleIBlock(t *ese.Tpdu) *ese.Tpdu {
	if v.forceResynch {
		v.forceResynch = false
		v.stashedIBlock, v.awaitingAck, v.haveAwaiting = t, ese.SResynch, true
		resp, _ := ese.FormSBlock(ese.NADSlaveToHost, ese.SResynch, false, nil, v.atp.Checksum)
		return resp
	}
	if v.forceWTXMult != 0 {
		mult := v.forceWTXMult
		v.forceWTXMult = 0
		v.stashedIBlock, v.awaitingAck, v.haveAwaiting = t, ese.SWTX, true
		resp, _ := ese.FormSBlock(ese.NADSlaveToHost, ese.SWTX, false, []byte{mult}, v.atp.Checksum)
		return resp
	}
	if v.forceIFS != 0 {
		ifsc := v.forceIFS
		v.forceIFS = 0
		v.stashedIBlock, v.awaitingAck, v.haveAwaiting = t, ese.SIFS, true
		resp, _ := ese.FormSBlock(ese.NADSlaveToHost, ese.SIFS, false, []byte{ifsc}, v.atp.Checksum)
		return resp
	}
	return v.completeIBlock(t)
}

// completeIBlock runs the real command-accumulation/response logic for an
// I-block, whether it arrived directly or was parked behind a forced
// WTX/IFS/RESYNCH dialog.
func (v *VirtualESE) completeIBlock(t *ese.Tpdu) *ese.Tpdu {
	if t.NS() != v.nsMaster && v.lastAnswer != nil {
		// The host is resending something we already consumed; answer
		// with the same reply rather than double-processing it.
		return v.lastAnswer
	}

	v.cmdBuf = append(v.cmdBuf, t.Data()...)
	v.nsMaster ^= 1
	if t.More() {
		// Ack the fragment, wait for the rest of the chain.
		resp, _ := ese.FormRBlock(ese.NADSlaveToHost, v.nsMaster, ese.RErrNone, v.atp.Checksum)
		v.lastAnswer = resp
		return resp
	}

	cmd := v.cmdBuf
	v.cmdBuf = nil
	data := v.processAPDU(cmd)

	resp, _ := ese.FormIBlock(ese.NADSlaveToHost, v.nsSlave, false, data, v.atp.Checksum)
	v.nsSlave ^= 1
	v.lastAnswer = resp
	return resp
}

// processAPDU produces the response+SW for a fully reassembled command
// APDU, the only behavior a caller needs scripted beyond the status word
// table (MANAGE CHANNEL bookkeeping, SELECT status lookup).
func (v *VirtualESE) processAPDU(cmd []byte) []byte {
	if len(cmd) < 4 {
		return []byte{0x6A, 0x86}
	}
	ins, p1 := cmd[1], cmd[2]

	switch {
	case ins == 0x70 && p1 == 0x00 && v.unsupportedMC: // MANAGE CHANNEL OPEN, unsupported
		return []byte{0x6E, 0x00}

	case ins == 0x70 && p1 == 0x00: // MANAGE CHANNEL OPEN
		idx := v.nextLogical
		if idx == 0 || idx > 3 || v.opened[idx] {
			return []byte{0x6A, 0x81}
		}
		v.opened[idx] = true
		v.nextLogical = idx + 1
		return append([]byte{idx}, 0x90, 0x00)

	case ins == 0x70 && p1 == 0x80: // MANAGE CHANNEL CLOSE
		n := cmd[0]
		if n == 0 || n > 3 || !v.opened[n] {
			return []byte{0x6A, 0x88}
		}
		v.opened[n] = false
		return []byte{0x90, 0x00}

	case ins == 0xA4: // SELECT
		lc := int(cmd[4])
		if len(cmd) < 5+lc {
			return []byte{0x6A, 0x86}
		}
		aid := cmd[5 : 5+lc]
		sw, ok := v.selectSW[hex.EncodeToString(aid)]
		if !ok {
			sw = 0x9000
		}
		return []byte{byte(sw >> 8), byte(sw)}

	default:
		return []byte{0x90, 0x00}
	}
}
