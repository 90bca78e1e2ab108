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

// Command sip022-server is the external process entry point for the
// SIP022 proxy: load a JSON config file, construct a ServerState per
// configured listener, and run their accept loops until terminated.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	sip022 "github.com/shadowsocks2022/server"
	"github.com/shadowsocks2022/server/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
		os.Exit(2)
	}

	configJSON, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// One ServerState (and salt cache) per configured listener, all
	// started from the same config file.
	type running struct {
		state  *sip022.ServerState
		handle *sip022.Handle
	}
	var instances []running

	for _, l := range cfg.Listeners {
		state, err := sip022.NewServerState(l, cfg.ReplayWindowSeconds, logger)
		if err != nil {
			logger.WithError(err).Fatal("sip022: failed to initialize server state")
		}

		handle, err := state.Start(l.ListenAddress, l.Port)
		if err != nil {
			logger.WithError(err).Fatal("sip022: failed to start listener")
		}
		logger.WithFields(logrus.Fields{
			"listen_address": l.ListenAddress,
			"port":           l.Port,
			"method":         l.Method,
		}).Info("sip022: listening")

		instances = append(instances, running{state: state, handle: handle})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("sip022: shutting down")
	for _, inst := range instances {
		inst.state.Stop(inst.handle)
	}
}
