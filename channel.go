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
	"github.com/vauxhall-labs/go-ese/internal/syncutil"
)

// Status is the APDU-manager's outward result vocabulary (spec.md §6),
// distinct from the T=1 engine's internal error kinds. SW translation
// happens only here, at the boundary above T=1 (spec.md §7).
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusChannelNotAvailable
	StatusNoSuchElement
	StatusUnsupportedOperation
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusChannelNotAvailable:
		return "CHANNEL_NOT_AVAILABLE"
	case StatusNoSuchElement:
		return "NO_SUCH_ELEMENT_ERROR"
	case StatusUnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	case StatusIOError:
		return "IOERROR"
	default:
		return "UNKNOWN"
	}
}

// minAPDULength is class, ins, p1, p2, lc/le (spec.md §4.5 transmit).
const minAPDULength = 5

const (
	insSelect        = 0xA4
	insManageChannel = 0x70
	manageOpenLen    = 0x01
	p1Select         = 0x04
	mcP1Open         = 0x00
	mcP1Close        = 0x80
)

// ChannelManager is the APDU-channel bookkeeping layered over a T=1
// Engine: MANAGE CHANNEL / SELECT dialogs, the channel table, and the
// init/teardown lifecycle refcounted through it (spec.md §4.5).
type ChannelManager struct {
	mu syncutil.Mutex

	link Link
	cfg  EngineConfig

	engine *Engine
	opened [4]bool
	count  uint8
}

// NewChannelManager creates a channel manager over link; the underlying
// Engine is not created until the first open call (spec.md §4.5 step 1
// of open_basic_channel/open_logical_channel: "if link not initialized,
// init").
func NewChannelManager(link Link, cfg EngineConfig) *ChannelManager {
	return &ChannelManager{link: link, cfg: cfg}
}

func (m *ChannelManager) ensureInit() error {
	if m.engine != nil {
		return nil
	}
	e, err := Init(m.link, m.cfg)
	if err != nil {
		return err
	}
	m.engine = e
	return nil
}

// IsCardPresent always reports true: the eSE is a permanently attached
// device, not a removable card (spec.md §6 upward API).
func (m *ChannelManager) IsCardPresent() bool { return true }

// GetATR returns the fixed synthetic ATR, since the device exposes ATP
// rather than a real ISO 7816-3 ATR (spec.md §6, supplemented from
// original_source's getAtr()).
func (m *ChannelManager) GetATR() []byte {
	return append([]byte(nil), synthesizedATR...)
}

// swStatus classifies a trailing SW1SW2 against the basic/logical SELECT
// response table (spec.md §4.5 steps 3/3).
func swStatus(sw uint16) Status {
	switch sw {
	case 0x9000:
		return StatusSuccess
	case 0x6A82:
		return StatusNoSuchElement
	case 0x6A86:
		return StatusUnsupportedOperation
	default:
		return StatusIOError
	}
}

func trailingSW(resp []byte) (uint16, bool) {
	if len(resp) < 2 {
		return 0, false
	}
	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1]), true
}

func buildSelect(class byte, aid []byte, p2 byte) []byte {
	apdu := make([]byte, 0, 5+len(aid))
	apdu = append(apdu, class, insSelect, p1Select, p2, byte(len(aid)))
	apdu = append(apdu, aid...)
	return apdu
}

// OpenBasicChannel implements spec.md §4.5's open_basic_channel.
func (m *ChannelManager) OpenBasicChannel(aid []byte, p2 byte) ([]byte, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInit(); err != nil {
		return nil, StatusIOError, err
	}

	resp, err := m.engine.TransceiveAPDU(buildSelect(0x00, aid, p2))
	if err != nil {
		return nil, StatusIOError, err
	}
	sw, ok := trailingSW(resp)
	if !ok {
		return resp, StatusIOError, nil
	}

	status := swStatus(sw)
	if status == StatusSuccess {
		if !m.opened[0] {
			m.opened[0] = true
			m.count++
		}
	}
	return resp, status, nil
}

// OpenLogicalChannel implements spec.md §4.5's open_logical_channel.
// channelNumber is 0xFF on any non-success outcome.
func (m *ChannelManager) OpenLogicalChannel(aid []byte, p2 byte) (channelNumber byte, resp []byte, status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureInit(); err != nil {
		return 0xFF, nil, StatusIOError, err
	}

	openResp, err := m.engine.TransceiveAPDU([]byte{0x00, insManageChannel, mcP1Open, 0x00, manageOpenLen})
	if err != nil {
		return 0xFF, nil, StatusIOError, err
	}
	sw, ok := trailingSW(openResp)
	if !ok {
		return 0xFF, openResp, StatusIOError, nil
	}

	var idx byte
	var openStatus Status
	switch {
	case sw == 0x9000:
		if len(openResp) < 3 {
			return 0xFF, openResp, StatusIOError, nil
		}
		idx = openResp[0]
		if idx < 1 || idx > 3 {
			return 0xFF, openResp, StatusIOError, nil
		}
		openStatus = StatusSuccess
	case sw == 0x6A81:
		openStatus = StatusChannelNotAvailable
	case sw == 0x6E00 || sw == 0x6D00:
		openStatus = StatusUnsupportedOperation
	default:
		openStatus = StatusIOError
	}
	if openStatus != StatusSuccess {
		return 0xFF, openResp, openStatus, nil
	}

	m.opened[idx] = true
	m.count++

	selResp, err := m.engine.TransceiveAPDU(buildSelect(idx, aid, p2))
	if err != nil {
		_, _ = m.closeChannelInternal(int(idx))
		return 0xFF, nil, StatusIOError, err
	}
	selSW, ok := trailingSW(selResp)
	if !ok {
		_, _ = m.closeChannelInternal(int(idx))
		return 0xFF, selResp, StatusIOError, nil
	}

	selStatus := swStatus(selSW)
	if selStatus != StatusSuccess {
		_, _ = m.closeChannelInternal(int(idx))
		return 0xFF, selResp, selStatus, nil
	}
	return idx, selResp, StatusSuccess, nil
}

// Transmit forwards apdu to the card unmodified (spec.md §4.5 transmit).
// A command shorter than the minimum APDU length is rejected without
// touching the wire.
func (m *ChannelManager) Transmit(apdu []byte) ([]byte, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(apdu) < minAPDULength {
		return nil, StatusFailed, nil
	}
	if err := m.ensureInit(); err != nil {
		return nil, StatusIOError, err
	}
	resp, err := m.engine.TransceiveAPDU(apdu)
	if err != nil {
		return nil, StatusIOError, err
	}
	return resp, StatusSuccess, nil
}

// CloseChannel implements spec.md §4.5's close_channel.
func (m *ChannelManager) CloseChannel(n int) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeChannelInternal(n)
}

func (m *ChannelManager) closeChannelInternal(n int) (Status, error) {
	if n < 0 || n > 3 || !m.opened[n] {
		return StatusFailed, nil
	}
	if n >= 1 {
		closeAPDU := []byte{byte(n), insManageChannel, mcP1Close, byte(n), 0x00}
		resp, err := m.engine.TransceiveAPDU(closeAPDU)
		if err != nil {
			return StatusIOError, err
		}
		sw, ok := trailingSW(resp)
		if !ok || sw != 0x9000 {
			return StatusIOError, nil
		}
	}
	m.closeChannelLocked(byte(n))
	return StatusSuccess, nil
}

// closeChannelLocked clears channel n's bookkeeping without touching the
// wire; it is the tail end of closeChannelInternal, called once the wire
// CLOSE (for n>=1) has already succeeded or wasn't required. The
// just-opened-then-failed-SELECT rollback paths in OpenLogicalChannel go
// through closeChannelInternal instead, since the card already admitted
// the channel and must be told to close it (spec.md §4.5 scenario S2).
// Discarding the Engine on count==0 preserves the source's
// channel-0-deinit quirk (spec.md §9); the Link handed to
// NewChannelManager stays open, so the next open call re-inits a fresh
// Engine over it.
func (m *ChannelManager) closeChannelLocked(n byte) {
	if !m.opened[n] {
		return
	}
	m.opened[n] = false
	m.count--
	if m.count == 0 && m.engine != nil {
		m.engine = nil
		m.opened = [4]bool{}
	}
}
