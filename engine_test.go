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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vauxhall-labs/go-ese"
	vese "github.com/vauxhall-labs/go-ese/internal/testing"
)

// testATP returns ATP parameters tuned for fast, deterministic tests: a
// short BWT so timeout-driven recovery tests don't sit around, and an
// IFSC small enough to force command chaining on demand.
func testATP(ifsc uint8) ese.ATP {
	return ese.ATP{Checksum: ese.ChecksumCRC, IFSC: ifsc, IFSD: ese.DefaultIFSD, BWT: 15 * time.Millisecond, MSF: 1000}
}

func newTestEngine(t *testing.T, atp ese.ATP) (*ese.Engine, *vese.VirtualESE) {
	t.Helper()
	sim := vese.NewVirtualESE(atp)
	e, err := ese.Init(sim, ese.EngineConfig{CachePath: ""})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, sim
}

func TestEngineBasicExchange(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testATP(254))

	resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Len(t, resp, 2)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestEngineSequenceProgression(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testATP(254))

	for i := 0; i < 4; i++ {
		resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
		require.NoError(t, err)
		require.Equal(t, []byte{0x90, 0x00}, resp)
	}
}

func TestEngineChainedCommand(t *testing.T) {
	t.Parallel()
	// IFSC=4 forces a 10-byte command into three chained I-blocks.
	e, _ := newTestEngine(t, testATP(4))

	cmd := []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x01, 0x51}
	resp, err := e.TransceiveAPDU(cmd)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestEngineIdempotentResend(t *testing.T) {
	t.Parallel()
	e, sim := newTestEngine(t, testATP(254))

	// Corrupt exactly the first response's checksum. The card still
	// processes the command and caches its answer; the host detects the
	// corruption, escalates to RESEND_1, and the card retransmits the
	// cached answer verbatim instead of reprocessing the command.
	sim.CorruptNextChecksum()

	resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)

	// Sequence numbers must have advanced exactly once despite the resend.
	resp2, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp2)
}

func TestEngineWTXHandshake(t *testing.T) {
	t.Parallel()
	e, sim := newTestEngine(t, testATP(254))
	sim.ForceWTX(2)

	resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestEngineIFSUpdatesIFSC(t *testing.T) {
	t.Parallel()
	e, sim := newTestEngine(t, testATP(254))
	sim.ForceIFS(32)

	resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)
	require.Equal(t, uint8(32), e.ATP().IFSC)
}

func TestEngineCardInitiatedResynch(t *testing.T) {
	t.Parallel()
	e, sim := newTestEngine(t, testATP(254))
	sim.ForceResynch()

	resp, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestEngineWarmResetExhaustion(t *testing.T) {
	t.Parallel()
	e, sim := newTestEngine(t, testATP(254))

	// Four consecutive silent writes exhaust RESEND_1, RESEND_2, and the
	// (first-transmission-shortcut) WARM_RESET attempt itself.
	sim.DropNext(4)

	_, err := e.TransceiveAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.Error(t, err)
	require.True(t, errors.Is(err, ese.ErrWarmReset))
}
