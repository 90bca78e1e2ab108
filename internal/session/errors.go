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

package session

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying why a session ended, used by Run to
// select graceful vs. abortive teardown and returned to Run's caller,
// which logs the SIP022 error taxonomy by name.
var (
	ErrDuplicateSalt             = fmt.Errorf("sip022: duplicate request salt")
	ErrTimestampTooOld           = fmt.Errorf("sip022: request timestamp outside freshness window")
	ErrNoInitialPayloadOrPadding = fmt.Errorf("sip022: request has neither padding nor initial payload")
	ErrUnknownAddressType        = fmt.Errorf("sip022: unknown address type")
	ErrCantConnectToRemote       = fmt.Errorf("sip022: could not connect to target")
	ErrClientDisconnected        = fmt.Errorf("sip022: client closed connection")
	ErrRemoteDisconnected        = fmt.Errorf("sip022: target closed connection")
	ErrAuthFailed                = fmt.Errorf("sip022: AEAD authentication failed")
)

// isGraceful reports whether err corresponds to an ordinary peer close,
// which tears the session down with a FIN rather than an RST.
func isGraceful(err error) bool {
	return errors.Is(err, ErrClientDisconnected) || errors.Is(err, ErrRemoteDisconnected)
}
