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
	"fmt"

	"github.com/vauxhall-labs/go-ese/internal/syncutil"
)

// EngineConfig configures a fresh Engine at init time.
type EngineConfig struct {
	// CachePath is the local file the parsed ATP is persisted to, so a
	// later init can skip the on-wire ATP read (spec.md §4.6).
	CachePath string
}

// DefaultEngineConfig returns the configuration used by the source
// deployment (spec.md §6).
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{CachePath: DefaultATPCachePath}
}

// Engine is the T=1 protocol state machine: sequence numbers, chaining,
// S-block dialogs, consistency checks, and recovery escalation. It is an
// owned value created by init, not process-wide globals (spec.md §9's
// design note) — a service layer wanting multiple links instantiates
// multiple Engines.
type Engine struct {
	link      *GuardedLink
	block     *BlockComm
	atp       ATP
	cachePath string

	mu syncutil.Mutex

	nsMaster          byte
	nsSlave           byte
	ifsd              uint8
	recovery          RecoveryState
	firstTransmission bool
}

// Init wraps an already-open link with guard-time bookkeeping, loads or
// reads the ATP, and resets engine state (spec.md §4.4.1).
func Init(link Link, cfg EngineConfig) (*Engine, error) {
	if link == nil {
		return nil, fmt.Errorf("ese: init requires a non-nil link")
	}
	guarded := NewGuardedLink(link)

	atp, err := loadOrReadATP(guarded, cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("ese: atp bootstrap failed: %w", err)
	}

	e := &Engine{
		link:              guarded,
		block:             NewBlockComm(guarded, atp),
		atp:               atp,
		cachePath:         cfg.CachePath,
		ifsd:              DefaultIFSD,
		firstTransmission: true,
	}
	Debugf("ese: init complete, checksum=%v ifsc=%d bwt=%v", atp.Checksum, atp.IFSC, atp.BWT)
	return e, nil
}

// loadOrReadATP implements spec.md §4.6: prefer the cache file, fall back
// to the on-wire ATP dialog and persist it.
func loadOrReadATP(link *GuardedLink, cachePath string) (ATP, error) {
	if cachePath != "" && atpCacheExists(cachePath) {
		atp, err := ReadATPFromFile(cachePath)
		if err == nil {
			return atp, nil
		}
		Debugf("ese: cached atp unreadable (%v), falling back to on-wire read", err)
	}
	atp, err := readATPOnWire(link)
	if err != nil {
		return ATP{}, err
	}
	if cachePath != "" {
		if werr := WriteATPCache(cachePath, atp); werr != nil {
			Debugf("ese: failed to persist atp cache: %v", werr)
		}
	}
	return atp, nil
}

// readATPOnWire drives the power-up ATP dialog using the conservative
// default parameters (CRC checksum, 254-byte IFSD, 300ms BWT) until the
// card's real ATP is known.
func readATPOnWire(link *GuardedLink) (ATP, error) {
	boot := DefaultATP()
	block := NewBlockComm(link, boot)
	req, err := FormSBlock(NADHostToSlave, SWReset, false, nil, boot.Checksum)
	if err != nil {
		return ATP{}, err
	}
	if err := block.WriteTpdu(req); err != nil {
		return ATP{}, err
	}
	resp, timedOut, err := block.ReadResponse(1)
	if err != nil {
		return ATP{}, err
	}
	if timedOut {
		return ATP{}, NewLinkError("read_atp", link.Path(), ErrBlockTimeout, KindTimeout)
	}
	if !resp.ChecksumOK() {
		return ATP{}, NewConsistencyError("checksum", ErrChecksumMismatch)
	}
	return ParseATP(resp.Data())
}

// Close tears down the underlying link.
func (e *Engine) Close() error {
	if e.link == nil {
		return nil
	}
	err := e.link.Close()
	e.link = nil
	return err
}

// Initialized reports whether the engine holds an open link.
func (e *Engine) Initialized() bool { return e.link != nil }

// ATP returns the engine's current (read-only) ATP parameters.
func (e *Engine) ATP() ATP { return e.atp }

// dispatchAction is the outcome of processing one consistent response.
type dispatchAction int

const (
	actionDone dispatchAction = iota
	// actionResend retransmits `sent` unchanged; this is a plain protocol
	// retransmit, not a recovery escalation (recovery already reset to OK).
	actionResend
	// actionRetransmitActive switches to (possibly rebuilt) active and
	// retransmits it.
	actionRetransmitActive
	// actionContinueWait means a reply was already written inline by
	// dispatch (WTX/IFS/RESYNCH acks); go back to waiting without
	// resending anything.
	actionContinueWait
)

// dispatchResult carries the outcome of a consistent I-block/R-block
// exchange back to transceivePart.
type dispatchResult struct {
	data      []byte
	newActive *Tpdu
	more      bool
	ack       bool // true if this result is an ACK of our own chained send
}

// transceivePart drives the handle loop of spec.md §4.4.6 for a single
// active TPDU (an I-block carrying an APDU fragment, or an R-block
// soliciting the next response fragment), returning once a terminal
// outcome is reached.
func (e *Engine) transceivePart(active *Tpdu, nbwt int) (*dispatchResult, error) {
	sent := active
	if err := e.block.WriteTpdu(sent); err != nil {
		return nil, err
	}

	for {
		resp, timedOut, rerr := e.block.ReadResponse(nbwt)
		if rerr != nil {
			return nil, rerr
		}

		if timedOut {
			next, recErr := e.doRecovery()
			if recErr != nil {
				return nil, recErr
			}
			sent = next
			if err := e.block.WriteTpdu(sent); err != nil {
				return nil, err
			}
			continue
		}

		if cerr := e.checkConsistency(sent, resp); cerr != nil {
			next, recErr := e.doRecovery()
			if recErr != nil {
				return nil, recErr
			}
			sent = next
			if err := e.block.WriteTpdu(sent); err != nil {
				return nil, err
			}
			continue
		}

		e.recovery = RecoveryOK
		e.firstTransmission = false

		result, act, derr := e.dispatch(active, sent, resp, &nbwt)
		if derr != nil {
			return nil, derr
		}

		switch act {
		case actionDone:
			return result, nil
		case actionResend:
			if err := e.block.WriteTpdu(sent); err != nil {
				return nil, err
			}
		case actionRetransmitActive:
			active = result.newActive
			sent = active
			if err := e.block.WriteTpdu(sent); err != nil {
				return nil, err
			}
		case actionContinueWait:
			if result != nil && result.newActive != nil {
				active = result.newActive
			}
			sent = active
		}
	}
}

// checkConsistency applies spec.md §4.4.3's checks, in order, to resp
// given that sent is the TPDU we most recently transmitted.
func (e *Engine) checkConsistency(sent, resp *Tpdu) error {
	if !resp.ChecksumOK() {
		return NewConsistencyError("checksum", ErrChecksumMismatch)
	}

	switch resp.Kind() {
	case BlockI:
		if resp.PCB&0x1F != 0 {
			return NewConsistencyError("reserved-bits", ErrReservedBits)
		}
		if resp.LEN() > int(e.ifsd) {
			return NewConsistencyError("length", ErrLengthInvalid)
		}
		if resp.NS() != e.nsSlave {
			return NewConsistencyError("sequence", ErrSequenceMismatch)
		}

	case BlockR:
		if resp.PCB&0x2C != 0 {
			return NewConsistencyError("reserved-bits", ErrReservedBits)
		}
		if resp.LEN() != 0 {
			return NewConsistencyError("length", ErrLengthInvalid)
		}
		if sent.Kind() == BlockI {
			nr := resp.NR()
			valid := nr == e.nsMaster
			if sent.More() {
				valid = valid || nr == (e.nsMaster^1)
			}
			if !valid {
				return NewConsistencyError("sequence", ErrSequenceMismatch)
			}
		}

	case BlockS:
		if resp.PCB&0x10 != 0 {
			return NewConsistencyError("reserved-bits", ErrReservedBits)
		}
		switch resp.SKind() {
		case SWTX, SIFS:
			if resp.LEN() != 1 {
				return NewConsistencyError("length", ErrLengthInvalid)
			}
		case SAbort, SResynch:
			if resp.LEN() != 0 {
				return NewConsistencyError("length", ErrLengthInvalid)
			}
		case SWReset:
			// Vendor S-block carrying a variable-length fresh ATP payload.
		}
		if resp.IsSResponse() {
			if !(sent.Kind() == BlockS && !sent.IsSResponse() && sent.SKind() == resp.SKind()) {
				return NewConsistencyError("s-block", ErrUnexpectedSBlock)
			}
		}
	}
	return nil
}

// dispatch processes a consistent response per spec.md §4.4.4.
func (e *Engine) dispatch(active, sent, resp *Tpdu, nbwt *int) (*dispatchResult, dispatchAction, error) {
	switch resp.Kind() {
	case BlockI:
		return e.dispatchIBlock(active, resp)
	case BlockR:
		return e.dispatchRBlock(active, resp)
	default: // BlockS
		return e.dispatchSBlock(active, sent, resp, nbwt)
	}
}

// dispatchIBlock keys the sequence advance off active, the original
// command, not whatever TPDU was most recently put on the wire — a
// recovery dialog can substitute an R/S-block for the retransmit without
// changing what the exchange was logically about.
func (e *Engine) dispatchIBlock(active, resp *Tpdu) (*dispatchResult, dispatchAction, error) {
	if active.Kind() == BlockI {
		e.nsMaster ^= 1
	}
	e.nsSlave ^= 1
	data := append([]byte(nil), resp.Data()...)
	return &dispatchResult{data: data, more: resp.More()}, actionDone, nil
}

// dispatchRBlock, likewise, anchors the chaining/ack decision on active
// rather than the last TPDU written, so a recovery-substituted R-block
// solicitation doesn't get mistaken for the original exchange's kind.
func (e *Engine) dispatchRBlock(active, resp *Tpdu) (*dispatchResult, dispatchAction, error) {
	if active.Kind() != BlockI {
		// We were soliciting with our own R-block; any R back is
		// unexpected wire behavior, so resend our solicitation once.
		return nil, actionResend, nil
	}
	nr := resp.NR()
	if active.More() && nr == (e.nsMaster^1) {
		e.nsMaster ^= 1
		return &dispatchResult{ack: true}, actionDone, nil
	}
	// The only other value checkConsistency allows is nr == e.nsMaster,
	// which means "please resend your last I-block".
	return &dispatchResult{newActive: active}, actionRetransmitActive, nil
}

func (e *Engine) dispatchSBlock(active, sent, resp *Tpdu, nbwt *int) (*dispatchResult, dispatchAction, error) {
	switch resp.SKind() {
	case SWTX:
		if resp.IsSResponse() {
			return nil, actionContinueWait, nil
		}
		mult := 1
		if len(resp.Data()) > 0 {
			mult = int(resp.Data()[0])
		}
		ack, err := FormSBlock(NADHostToSlave, SWTX, true, resp.Data(), e.atp.Checksum)
		if err != nil {
			return nil, actionDone, err
		}
		if err := e.block.WriteTpdu(ack); err != nil {
			return nil, actionDone, err
		}
		*nbwt = mult
		return nil, actionContinueWait, nil

	case SIFS:
		if resp.IsSResponse() {
			return nil, actionContinueWait, nil
		}
		if len(resp.Data()) > 0 {
			e.atp.IFSC = resp.Data()[0]
		}
		ack, err := FormSBlock(NADHostToSlave, SIFS, true, resp.Data(), e.atp.Checksum)
		if err != nil {
			return nil, actionDone, err
		}
		if err := e.block.WriteTpdu(ack); err != nil {
			return nil, actionDone, err
		}
		return nil, actionContinueWait, nil

	case SResynch:
		if resp.IsSResponse() {
			if sent.Kind() != BlockS || sent.IsSResponse() {
				return nil, actionContinueWait, nil
			}
			e.nsMaster, e.nsSlave = 0, 0
			newActive, err := rebuildForSeq(active, 0, e.atp.Checksum)
			if err != nil {
				return nil, actionDone, err
			}
			return &dispatchResult{newActive: newActive}, actionRetransmitActive, nil
		}
		// RESYNCH-request from the card.
		e.nsMaster, e.nsSlave = 0, 0
		ack, err := FormSBlock(NADHostToSlave, SResynch, true, nil, e.atp.Checksum)
		if err != nil {
			return nil, actionDone, err
		}
		if err := e.block.WriteTpdu(ack); err != nil {
			return nil, actionDone, err
		}
		newActive, err := rebuildForSeq(active, 0, e.atp.Checksum)
		if err != nil {
			return nil, actionDone, err
		}
		return &dispatchResult{newActive: newActive}, actionRetransmitActive, nil

	case SAbort:
		if !resp.IsSResponse() {
			return nil, actionDone, ErrAborted
		}
		return nil, actionContinueWait, nil

	case SWReset:
		if len(resp.Data()) > 0 {
			if atp, perr := ParseATP(resp.Data()); perr == nil {
				e.atp = atp
				if e.cachePath != "" {
					_ = WriteATPCache(e.cachePath, atp)
				}
			}
		}
		e.nsMaster, e.nsSlave = 0, 0
		return nil, actionDone, ErrWarmReset

	default:
		return nil, actionDone, fmt.Errorf("ese: unhandled s-block kind %d", resp.SKind())
	}
}

// doRecovery advances the escalation pointer and builds the next TPDU to
// send (spec.md §4.4.5). A second consecutive failure once already at
// WARM_RESET is terminal: the SWRESET itself did not help.
func (e *Engine) doRecovery() (*Tpdu, error) {
	if e.recovery == RecoveryWarmReset {
		return nil, ErrWarmReset
	}
	e.recovery = e.recovery.next(e.firstTransmission)

	switch {
	case e.recovery.isResend():
		return FormRBlock(NADHostToSlave, e.nsSlave, RErrOther, e.atp.Checksum)
	case e.recovery.isResync():
		return FormSBlock(NADHostToSlave, SResynch, false, nil, e.atp.Checksum)
	case e.recovery == RecoveryWarmReset:
		if e.cachePath != "" {
			_ = DeleteATPCache(e.cachePath)
		}
		return FormSBlock(NADHostToSlave, SWReset, false, nil, e.atp.Checksum)
	default:
		return nil, ErrWarmReset
	}
}

// rebuildForSeq re-derives t with the given N(S)/N(R) after a RESYNCH,
// preserving its data and chaining/error-kind flags (spec.md §4.4.4).
func rebuildForSeq(t *Tpdu, seq byte, checksum ChecksumKind) (*Tpdu, error) {
	switch t.Kind() {
	case BlockI:
		return FormIBlock(t.NAD, seq, t.More(), append([]byte(nil), t.Data()...), checksum)
	case BlockR:
		return FormRBlock(t.NAD, seq, t.RErr(), checksum)
	default:
		return t, nil
	}
}

// TransceiveAPDUPart sends one fragment of a command APDU (spec.md
// §4.4.1). If cmd is empty, it solicits the next chained fragment of the
// card's response instead of sending new command data. more is true when
// the card's response itself is chained and the caller must call again
// with an empty cmd to retrieve the remainder.
func (e *Engine) TransceiveAPDUPart(cmd []byte, isLast bool) (resp []byte, more bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.link == nil {
		return nil, false, ErrNotInitialized
	}

	var active *Tpdu
	if len(cmd) > 0 {
		active, err = FormIBlock(NADHostToSlave, e.nsMaster, !isLast, cmd, e.atp.Checksum)
	} else {
		active, err = FormRBlock(NADHostToSlave, e.nsSlave, RErrNone, e.atp.Checksum)
	}
	if err != nil {
		return nil, false, err
	}

	result, err := e.transceivePart(active, 1)
	if err != nil {
		return nil, false, err
	}
	if result == nil || result.ack {
		return nil, false, nil
	}
	return result.data, result.more, nil
}

// TransceiveAPDU fragments cmd into chunks of at most min(IFSC,254) bytes,
// drives transceive_apdu_part across the whole chain, and concatenates
// response fragments until the card sends an I-block without the M bit
// (spec.md §4.4.1).
func (e *Engine) TransceiveAPDU(cmd []byte) ([]byte, error) {
	chunkSize := 254
	if ifsc := int(e.atp.IFSC); ifsc > 0 && ifsc < chunkSize {
		chunkSize = ifsc
	}

	sent := 0
	total := len(cmd)
	var lastResp []byte
	var lastMore bool
	for {
		end := sent + chunkSize
		if end > total {
			end = total
		}
		isLast := end >= total
		chunk := cmd[sent:end]

		resp, more, err := e.TransceiveAPDUPart(chunk, isLast)
		if err != nil {
			return nil, err
		}
		sent = end
		if isLast {
			lastResp, lastMore = resp, more
			break
		}
	}

	full := append([]byte(nil), lastResp...)
	for lastMore {
		resp, more, err := e.TransceiveAPDUPart(nil, true)
		if err != nil {
			return nil, err
		}
		full = append(full, resp...)
		lastMore = more
	}
	return full, nil
}
