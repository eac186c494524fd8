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

// Service is the source deployment's upward API (spec.md §6): init with
// a presence callback, query card presence/ATR, and drive the channel
// manager. It is a thin wrapper — all the real behavior lives in
// ChannelManager and Engine.
type Service struct {
	mgr      *ChannelManager
	callback func(present bool)
}

// NewService wraps link for the given deployment configuration. The
// Engine itself is not created until the first channel open, matching
// spec.md §4.5's "if link not initialized, init" on each open call.
func NewService(link Link, cfg EngineConfig) *Service {
	return &Service{mgr: NewChannelManager(link, cfg)}
}

// Init registers a presence callback and fires it once immediately,
// since the eSE is always present (spec.md §6 upward API: init(callback)).
func (s *Service) Init(callback func(present bool)) {
	s.callback = callback
	if callback != nil {
		callback(true)
	}
}

// IsCardPresent always reports true for a permanently attached eSE.
func (s *Service) IsCardPresent() bool { return s.mgr.IsCardPresent() }

// GetATR returns the fixed synthetic ATR (spec.md §6).
func (s *Service) GetATR() []byte { return s.mgr.GetATR() }

// OpenBasicChannel opens channel 0 and selects aid on it.
func (s *Service) OpenBasicChannel(aid []byte, p2 byte) ([]byte, Status, error) {
	return s.mgr.OpenBasicChannel(aid, p2)
}

// OpenLogicalChannel opens the next available logical channel (1-3) and
// selects aid on it.
func (s *Service) OpenLogicalChannel(aid []byte, p2 byte) (byte, []byte, Status, error) {
	return s.mgr.OpenLogicalChannel(aid, p2)
}

// Transmit forwards apdu to whichever channel its class byte encodes.
func (s *Service) Transmit(apdu []byte) ([]byte, Status, error) {
	return s.mgr.Transmit(apdu)
}

// CloseChannel closes channel n.
func (s *Service) CloseChannel(n int) (Status, error) {
	return s.mgr.CloseChannel(n)
}
