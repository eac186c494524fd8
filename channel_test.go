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

package ese_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vauxhall-labs/go-ese"
	vese "github.com/vauxhall-labs/go-ese/internal/testing"
)

var testAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00}

// buildSelect mirrors the SELECT APDU the channel manager itself builds,
// so tests can drive Transmit directly without reaching into unexported
// helpers.
func buildSelect(class byte, aid []byte, p2 byte) []byte {
	apdu := make([]byte, 0, 5+len(aid))
	apdu = append(apdu, class, 0xA4, 0x04, p2, byte(len(aid)))
	apdu = append(apdu, aid...)
	return apdu
}

func newTestChannelManager(t *testing.T) (*ese.ChannelManager, *vese.VirtualESE) {
	t.Helper()
	sim := vese.NewVirtualESE(testATP(254))
	mgr := ese.NewChannelManager(sim, ese.EngineConfig{CachePath: ""})
	return mgr, sim
}

func TestOpenBasicChannelSuccess(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	resp, status, err := mgr.OpenBasicChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, status)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestOpenBasicChannelNoSuchElement(t *testing.T) {
	t.Parallel()
	mgr, sim := newTestChannelManager(t)
	sim.SetSelectStatus(testAID, 0x6A82)

	_, status, err := mgr.OpenBasicChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusNoSuchElement, status)
}

func TestOpenLogicalChannelSuccessAndClose(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	ch, resp, status, err := mgr.OpenLogicalChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, status)
	require.Equal(t, byte(1), ch)
	require.Equal(t, []byte{0x90, 0x00}, resp)

	closeStatus, err := mgr.CloseChannel(int(ch))
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, closeStatus)
}

func TestOpenLogicalChannelExhaustion(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	for i := 0; i < 3; i++ {
		ch, _, status, err := mgr.OpenLogicalChannel(testAID, 0x00)
		require.NoError(t, err)
		require.Equal(t, ese.StatusSuccess, status)
		require.Equal(t, byte(i+1), ch)
	}

	ch, _, status, err := mgr.OpenLogicalChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusChannelNotAvailable, status)
	require.Equal(t, byte(0xFF), ch)
}

func TestOpenLogicalChannelUnsupportedOperation(t *testing.T) {
	t.Parallel()
	mgr, sim := newTestChannelManager(t)
	sim.ForceUnsupportedManageChannel()

	ch, _, status, err := mgr.OpenLogicalChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusUnsupportedOperation, status)
	require.Equal(t, byte(0xFF), ch)
}

func TestTransmitRejectsShortAPDU(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	resp, status, err := mgr.Transmit([]byte{0x00, 0xA4})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, ese.StatusFailed, status)
}

func TestTransmitDelegatesToEngine(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	resp, status, err := mgr.Transmit(buildSelect(0x00, testAID, 0x00))
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, status)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestCloseChannelInvalidIsFailed(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	status, err := mgr.CloseChannel(2)
	require.NoError(t, err)
	require.Equal(t, ese.StatusFailed, status)
}

func TestCloseAllChannelsTearsDownEngine(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestChannelManager(t)

	_, status, err := mgr.OpenBasicChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, status)

	closeStatus, err := mgr.CloseChannel(0)
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, closeStatus)

	// Channel count dropped to zero, tearing down the underlying engine;
	// reopening the basic channel must lazily re-init it and succeed again.
	_, status, err = mgr.OpenBasicChannel(testAID, 0x00)
	require.NoError(t, err)
	require.Equal(t, ese.StatusSuccess, status)
}
