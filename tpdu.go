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

	"github.com/vauxhall-labs/go-ese/internal/frame"
)

// ChecksumKind selects the T=1 epilogue format, taken from the ATP.
type ChecksumKind int

const (
	ChecksumLRC ChecksumKind = iota
	ChecksumCRC
)

func (k ChecksumKind) size() int {
	if k == ChecksumCRC {
		return 2
	}
	return 1
}

// BlockKind is the tagged classification of a TPDU's PCB byte.
type BlockKind int

const (
	BlockI BlockKind = iota
	BlockR
	BlockS
)

// SType enumerates the S-block low-bits per spec.md §3.
type SType byte

const (
	SResynch SType = 0x00
	SIFS     SType = 0x01
	SAbort   SType = 0x02
	SWTX     SType = 0x03
	SWReset  SType = 0x0F
)

// Tpdu is a single T=1 frame: a 3-byte prologue, up to 254 bytes of data,
// and a 1- or 2-byte epilogue. It owns a fixed-capacity inline buffer
// (spec.md §9 design note), so its data and epilogue need no allocation
// beyond the Tpdu value itself.
type Tpdu struct {
	buf      [MaxTPDUSize]byte
	dataLen  int
	checksum ChecksumKind
	NAD      byte
	PCB      byte
}

// Data returns the TPDU's data field.
func (t *Tpdu) Data() []byte { return t.buf[3 : 3+t.dataLen] }

// LEN returns the TPDU's length field.
func (t *Tpdu) LEN() int { return t.dataLen }

// Classify returns the block kind encoded by PCB's top two bits.
func Classify(pcb byte) BlockKind {
	switch {
	case pcb&0x80 == 0:
		return BlockI
	case pcb&0xC0 == 0x80:
		return BlockR
	default:
		return BlockS
	}
}

// Kind is a convenience wrapper around Classify for an existing TPDU.
func (t *Tpdu) Kind() BlockKind { return Classify(t.PCB) }

// --- I-block PCB accessors -------------------------------------------------

// NS returns N(S), the sender sequence bit of an I-block.
func (t *Tpdu) NS() byte { return (t.PCB >> 6) & 1 }

// More reports whether the I-block's M (more-blocks chaining) bit is set.
func (t *Tpdu) More() bool { return t.PCB&0x20 != 0 }

func iPCB(ns byte, more bool) byte {
	pcb := (ns & 1) << 6
	if more {
		pcb |= 0x20
	}
	return pcb
}

// --- R-block PCB accessors -------------------------------------------------

// RErrKind enumerates the two-bit error kind carried in an R-block.
type RErrKind byte

const (
	RErrNone  RErrKind = 0x00
	RErrCRC   RErrKind = 0x01
	RErrOther RErrKind = 0x02
)

// NR returns N(R), the expected-next-sequence bit of an R-block.
func (t *Tpdu) NR() byte { return (t.PCB >> 4) & 1 }

// RErr returns the R-block's error-kind bits.
func (t *Tpdu) RErr() RErrKind { return RErrKind(t.PCB & 0x03) }

func rPCB(nr byte, errKind RErrKind) byte {
	return 0x80 | ((nr & 1) << 4) | byte(errKind&0x03)
}

// --- S-block PCB accessors -------------------------------------------------

// SKind returns the S-block's low-bits type.
func (t *Tpdu) SKind() SType { return SType(t.PCB & 0x1F) }

// IsSResponse reports whether an S-block is a response (bit5 set) rather
// than a request.
func (t *Tpdu) IsSResponse() bool { return t.PCB&0x20 != 0 }

func sPCB(kind SType, isResponse bool) byte {
	pcb := byte(0xC0) | byte(kind&0x1F)
	if isResponse {
		pcb |= 0x20
	}
	return pcb
}

// FormIBlock builds an I-block TPDU carrying data, chained if more is true.
func FormIBlock(nad byte, ns byte, more bool, data []byte, checksum ChecksumKind) (*Tpdu, error) {
	return formTpdu(nad, iPCB(ns, more), data, checksum)
}

// FormRBlock builds a supervisory R-block soliciting N(R) with the given
// error kind and no data (spec.md §3: LEN must be 0 for R-blocks).
func FormRBlock(nad byte, nr byte, errKind RErrKind, checksum ChecksumKind) (*Tpdu, error) {
	return formTpdu(nad, rPCB(nr, errKind), nil, checksum)
}

// FormSBlock builds an S-block request or response with the given 0- or
// 1-byte payload (WTX/IFS carry 1 byte; ABORT/RESYNCH/SWRESET carry 0
// unless echoing a SWRESET ATP payload on the response side).
func FormSBlock(nad byte, kind SType, isResponse bool, payload []byte, checksum ChecksumKind) (*Tpdu, error) {
	return formTpdu(nad, sPCB(kind, isResponse), payload, checksum)
}

// formTpdu sets prologue fields, serializes into the TPDU's own scratch
// buffer, computes the checksum over prologue+data, and stores it in the
// epilogue slot (spec.md §4.2 form_tpdu).
func formTpdu(nad, pcb byte, data []byte, checksum ChecksumKind) (*Tpdu, error) {
	if len(data) > 254 {
		return nil, fmt.Errorf("ese: tpdu data length %d exceeds 254", len(data))
	}
	t := &Tpdu{NAD: nad, PCB: pcb, dataLen: len(data), checksum: checksum}
	t.buf[0] = nad
	t.buf[1] = pcb
	t.buf[2] = byte(len(data))
	copy(t.buf[3:3+len(data)], data)
	t.writeChecksum()
	return t, nil
}

// prologueAndData returns the bytes the checksum is computed over.
func (t *Tpdu) prologueAndData() []byte { return t.buf[:3+t.dataLen] }

func (t *Tpdu) writeChecksum() {
	pd := t.prologueAndData()
	epilogue := t.buf[3+t.dataLen : 3+t.dataLen+t.checksum.size()]
	if t.checksum == ChecksumCRC {
		binary.LittleEndian.PutUint16(epilogue, frame.CRC16(pd))
	} else {
		epilogue[0] = frame.LRC(pd)
	}
}

// ChecksumOK recomputes the checksum over the TPDU's prologue+data and
// compares it with the stored epilogue. Returns true on a match (the sense
// is deliberately true-on-success, per spec.md §9's note on the source's
// inverted Tpdu_isChecksumOk).
func (t *Tpdu) ChecksumOK() bool {
	pd := t.prologueAndData()
	epilogue := t.buf[3+t.dataLen : 3+t.dataLen+t.checksum.size()]
	if t.checksum == ChecksumCRC {
		want := frame.CRC16(pd)
		return binary.LittleEndian.Uint16(epilogue) == want
	}
	return epilogue[0] == frame.LRC(pd)
}

// ToBytes serializes the TPDU (prologue + data + epilogue) for writing to
// the link.
func (t *Tpdu) ToBytes() []byte {
	total := 3 + t.dataLen + t.checksum.size()
	return t.buf[:total]
}

// ParseTpdu decodes a complete wire-format TPDU (prologue already known to
// be present in buf) into a Tpdu value, validating only structural bounds;
// consistency checks belong to the engine (spec.md §4.4.3), not the framer.
func ParseTpdu(buf []byte, checksum ChecksumKind) (*Tpdu, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("ese: tpdu shorter than prologue: %d bytes", len(buf))
	}
	length := int(buf[2])
	want := 3 + length + checksum.size()
	if len(buf) < want {
		return nil, fmt.Errorf("ese: tpdu truncated: have %d want %d", len(buf), want)
	}
	t := &Tpdu{NAD: buf[0], PCB: buf[1], dataLen: length, checksum: checksum}
	copy(t.buf[:want], buf[:want])
	return t, nil
}
