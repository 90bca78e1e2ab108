/*
 * Copyright (c) 2026, SIP022 Server Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package config loads and validates the JSON configuration that
// parameterizes one or more SIP022 listeners: listen address and port,
// PSK, and cipher method per listener, plus the ambient fields a
// running server needs (log level, replay window) beyond the wire
// protocol itself.
//
// Shape and validation style follow
// psiphon/server/config.go's LoadConfig: unmarshal into a typed struct,
// then validate and return a wrapped error rather than panicking.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shadowsocks2022/server/internal/ciphersuite"
	"github.com/shadowsocks2022/server/internal/errors"
)

// ListenerConfig specifies the configuration and behavior of a single
// SIP022 listener: its bind address/port, PSK, and cipher method. A
// single process can run several of these side by side, each with its
// own port and, potentially, its own method and PSK.
type ListenerConfig struct {

	// ListenAddress is the address the listener binds, defaulting to
	// "0.0.0.0" when empty.
	ListenAddress string `json:"listen_address"`

	// Port is the listening TCP port.
	Port uint16 `json:"port"`

	// Key is the pre-shared key, either hex- or base64-encoded,
	// matching outline-sdk's NewEncryptionKey secret-text convention.
	Key string `json:"key"`

	// Method selects the AEAD cipher suite: "AEAD_AES_128_GCM",
	// "AEAD_AES_256_GCM", or "AEAD_CHACHA20_POLY1305".
	Method string `json:"method"`
}

// Config is the top-level configuration file shape: a list of
// listeners plus the ambient fields shared by every listener in the
// process.
type Config struct {

	// Listeners lists the SIP022 endpoints this process should run.
	// At least one is required.
	Listeners []ListenerConfig `json:"listeners"`

	// LogLevel specifies the log level. Valid values are: panic,
	// fatal, error, warn, info, debug.
	LogLevel string `json:"log_level"`

	// ReplayWindowSeconds is the duration, in seconds, a request salt
	// is remembered by the replay cache. Defaults to 60 when zero.
	ReplayWindowSeconds int `json:"replay_window_seconds"`
}

// LoadConfig unmarshals and validates a Config from JSON bytes.
func LoadConfig(configJSON []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, errors.TraceMsg(err, "invalid config JSON")
	}

	if config.ReplayWindowSeconds == 0 {
		config.ReplayWindowSeconds = 60
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if len(config.Listeners) == 0 {
		return nil, errors.TraceNew("at least one listener must be specified")
	}

	for i := range config.Listeners {
		if err := validateListener(&config.Listeners[i]); err != nil {
			return nil, errors.TraceMsg(err, fmt.Sprintf("listeners[%d]", i))
		}
	}

	return &config, nil
}

func validateListener(l *ListenerConfig) error {
	if l.ListenAddress == "" {
		l.ListenAddress = "0.0.0.0"
	}

	if l.Port == 0 {
		return errors.TraceNew("port must be specified")
	}

	suite, err := ciphersuite.ForMethod(l.Method)
	if err != nil {
		return errors.Trace(err)
	}

	key, err := DecodeKey(l.Key)
	if err != nil {
		return errors.TraceMsg(err, "invalid key")
	}
	if len(key) != suite.KeyLength() {
		return fmt.Errorf("config: key length %d does not match %s's required length %d", len(key), l.Method, suite.KeyLength())
	}

	return nil
}

// DecodeKey decodes a PSK specified as hex or standard base64, trying
// hex first since PSKs are fixed-length and hex's stricter alphabet
// makes the choice unambiguous for typical key lengths.
func DecodeKey(text string) ([]byte, error) {
	if key, err := hex.DecodeString(text); err == nil {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.TraceMsg(err, "key is neither valid hex nor valid base64")
	}
	return key, nil
}
