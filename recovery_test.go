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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryEscalationOrder(t *testing.T) {
	t.Parallel()
	// Not the first transmission: the full resend -> resync -> warm-reset
	// ladder runs before terminating.
	want := []RecoveryState{
		RecoveryResend1,
		RecoveryResend2,
		RecoveryResync1,
		RecoveryResync2,
		RecoveryResync3,
		RecoveryWarmReset,
		RecoveryWarmReset,
	}
	state := RecoveryOK
	for i, w := range want {
		state = state.next(false)
		assert.Equalf(t, w, state, "step %d", i)
	}
}

func TestRecoveryEscalationFirstTransmissionShortCircuits(t *testing.T) {
	t.Parallel()
	state := RecoveryOK
	state = state.next(true)
	assert.Equal(t, RecoveryResend1, state)
	state = state.next(true)
	assert.Equal(t, RecoveryResend2, state)
	state = state.next(true)
	assert.Equal(t, RecoveryWarmReset, state, "no response ever seen should skip straight to warm reset")
}

func TestRecoveryIsResend(t *testing.T) {
	t.Parallel()
	assert.False(t, RecoveryOK.isResend())
	assert.True(t, RecoveryResend1.isResend())
	assert.True(t, RecoveryResend2.isResend())
	assert.False(t, RecoveryResync1.isResend())
	assert.False(t, RecoveryWarmReset.isResend())
}

func TestRecoveryIsResync(t *testing.T) {
	t.Parallel()
	assert.False(t, RecoveryOK.isResync())
	assert.False(t, RecoveryResend1.isResync())
	assert.True(t, RecoveryResync1.isResync())
	assert.True(t, RecoveryResync2.isResync())
	assert.True(t, RecoveryResync3.isResync())
	assert.False(t, RecoveryWarmReset.isResync())
}

func TestRecoveryStateString(t *testing.T) {
	t.Parallel()
	cases := map[RecoveryState]string{
		RecoveryOK:        "OK",
		RecoveryResend1:   "RESEND_1",
		RecoveryResend2:   "RESEND_2",
		RecoveryResync1:   "RESYNC_1",
		RecoveryResync2:   "RESYNC_2",
		RecoveryResync3:   "RESYNC_3",
		RecoveryWarmReset: "WARM_RESET",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
