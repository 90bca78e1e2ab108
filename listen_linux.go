//go:build linux
// +build linux

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

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig sets SO_REUSEADDR on the listening socket before bind, so
// a restarted process can rebind the same port while a previous
// incarnation's connections are still in TIME_WAIT, matching the
// low-level socket option usage psiphon/server/bpf.go applies to its
// listener sockets via golang.org/x/sys/unix.
var listenConfig = &net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var setSockOptErr error
		err := c.Control(func(fd uintptr) {
			setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return setSockOptErr
	},
}
