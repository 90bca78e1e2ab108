//go:build !linux
// +build !linux

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

import "net"

// listenConfig is the plain default on platforms where the
// SO_REUSEADDR handling in listen_linux.go (golang.org/x/sys/unix,
// Linux-specific) does not apply.
var listenConfig = &net.ListenConfig{}
