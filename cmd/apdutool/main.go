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

// Command apdutool opens a link to an embedded Secure Element, optionally
// selects an applet, and, once an applet is selected, optionally transmits
// one APDU. Without --select no APDU is sent.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vauxhall-labs/go-ese"
	"github.com/vauxhall-labs/go-ese/transport/i2c"
	"github.com/vauxhall-labs/go-ese/transport/spi"
)

type config struct {
	devicePath string
	i2cAddr    uint
	aid        string
	apdu       string
	logical    bool
	debug      bool
}

var (
	flagDevicePath string
	flagI2CAddr    uint
	flagAID        string
	flagAPDU       string
	flagLogical    bool
	flagDebug      bool
)

func init() {
	flag.StringVar(&flagDevicePath, "device", "/dev/spidev0.0", "Device path (spi or i2c pattern decides the transport)")
	flag.UintVar(&flagI2CAddr, "i2c-addr", 0x48, "I2C device address (only used for an i2c device path)")
	flag.StringVar(&flagAID, "select", "", "Hex AID to SELECT after opening a channel")
	flag.StringVar(&flagAPDU, "apdu", "", "Hex command APDU to transmit after selecting")
	flag.BoolVar(&flagLogical, "logical", false, "Open a logical channel instead of the basic channel")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig() *config {
	return &config{
		devicePath: flagDevicePath,
		i2cAddr:    flagI2CAddr,
		aid:        flagAID,
		apdu:       flagAPDU,
		logical:    flagLogical,
		debug:      flagDebug,
	}
}

// newLink opens a Link for path, choosing SPI or I2C by substring the way
// the reference deployment's device paths are shaped (e.g. "/dev/spidev0.0"
// vs "/dev/i2c-1").
func newLink(path string, i2cAddr uint) (ese.Link, error) {
	if path == "" {
		return nil, errors.New("empty device path")
	}
	if strings.Contains(strings.ToLower(path), "i2c") {
		t, err := i2c.Open(path, uint16(i2cAddr))
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C device %s: %w", path, err)
		}
		return t, nil
	}
	t, err := spi.Open(path, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI device %s: %w", path, err)
	}
	return t, nil
}

func run(cfg *config, link ese.Link) error {
	if cfg.debug {
		ese.SetDebugEnabled(true)
	}

	svc := ese.NewService(link, ese.DefaultEngineConfig())
	svc.Init(func(present bool) {
		if cfg.debug {
			_, _ = fmt.Printf("eSE present: %v, ATR=%s\n", present, hex.EncodeToString(svc.GetATR()))
		}
	})

	if cfg.aid == "" {
		return nil
	}
	aid, err := hex.DecodeString(cfg.aid)
	if err != nil {
		return fmt.Errorf("invalid --select hex: %w", err)
	}

	var channel int
	if cfg.logical {
		ch, resp, status, err := svc.OpenLogicalChannel(aid, 0x00)
		if err != nil {
			return fmt.Errorf("open logical channel: %w", err)
		}
		_, _ = fmt.Printf("opened logical channel %d: status=%s resp=%s\n", ch, status, hex.EncodeToString(resp))
		if status != ese.StatusSuccess {
			return nil
		}
		channel = int(ch)
	} else {
		resp, status, err := svc.OpenBasicChannel(aid, 0x00)
		if err != nil {
			return fmt.Errorf("open basic channel: %w", err)
		}
		_, _ = fmt.Printf("opened basic channel: status=%s resp=%s\n", status, hex.EncodeToString(resp))
		if status != ese.StatusSuccess {
			return nil
		}
	}
	defer func() {
		if _, err := svc.CloseChannel(channel); err != nil && cfg.debug {
			_, _ = fmt.Fprintf(os.Stderr, "close channel %d: %v\n", channel, err)
		}
	}()

	if cfg.apdu == "" {
		return nil
	}
	apdu, err := hex.DecodeString(cfg.apdu)
	if err != nil {
		return fmt.Errorf("invalid --apdu hex: %w", err)
	}
	resp, status, err := svc.Transmit(apdu)
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	_, _ = fmt.Printf("transmit: status=%s resp=%s\n", status, hex.EncodeToString(resp))
	return nil
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	link, err := newLink(cfg.devicePath, cfg.i2cAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = link.Close() }()

	if err := run(cfg, link); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
