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

// Package server implements the SIP022 (Shadowsocks 2022) AEAD TCP
// proxy's Lifecycle API: a shared ServerState (PSK, cipher suite, and
// salt cache) and a TCP acceptor loop that spawns one session per
// accepted client.
//
// ServerState naming follows psiphon/server/shadowsocks.go's
// ShadowsocksServer; the accept-loop-plus-goroutine-per-client structure is the same
// pattern outline-ss-server/service/tcp.go's StreamServe uses.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shadowsocks2022/server/internal/ciphersuite"
	"github.com/shadowsocks2022/server/internal/config"
	"github.com/shadowsocks2022/server/internal/errors"
	"github.com/shadowsocks2022/server/internal/replay"
	"github.com/shadowsocks2022/server/internal/session"
)

// acceptRateLimit and acceptRateBurst bound how quickly a single source
// IP may open new handshake attempts, guarding the replay-cache and
// AEAD-authentication paths against abusive reconnect probing.
const (
	acceptRateLimit = 20 // per second
	acceptRateBurst = 40
)

// drainTimeout bounds how long Stop waits for in-flight sessions to
// finish after the listener is closed and their context canceled;
// sessions still running when it expires are not closed by Stop.
// Mirrors psiphon/controller.go's shutdown coordination.
const drainTimeout = 10 * time.Second

// ServerState is the shared, concurrency-safe state every accepted
// session reads from: the PSK, cipher suite, and replay cache. It is
// mutated only through the salt cache's own synchronized interface.
type ServerState struct {
	suite  ciphersuite.Suite
	psk    []byte
	salts  *replay.SaltCache
	dialer session.Dialer
	logger logrus.FieldLogger
}

// NewServerState constructs a ServerState for one listener entry from a
// loaded Config. replayWindowSeconds is the process-wide replay-cache
// window (Config.ReplayWindowSeconds); each listener gets its own
// cache instance since salts are only ever compared within a listener's
// own PSK/method.
func NewServerState(listener config.ListenerConfig, replayWindowSeconds int, logger logrus.FieldLogger) (*ServerState, error) {
	suite, err := ciphersuite.ForMethod(listener.Method)
	if err != nil {
		return nil, errors.Trace(err)
	}
	key, err := config.DecodeKey(listener.Key)
	if err != nil {
		return nil, errors.TraceMsg(err, "invalid key")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ServerState{
		suite:  suite,
		psk:    key,
		salts:  replay.NewSaltCache(time.Duration(replayWindowSeconds) * time.Second),
		dialer: session.NewNetDialer(),
		logger: logger,
	}, nil
}

// Handle represents a running listener, returned by Start and consumed
// by Stop.
type Handle struct {
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

// Start binds listenAddress:port and spawns the accept loop in a
// background goroutine, returning immediately with a Handle.
func (s *ServerState) Start(listenAddress string, port uint16) (*Handle, error) {
	ln, err := listenConfig.Listen(context.Background(), "tcp", net.JoinHostPort(listenAddress, portToString(port)))
	if err != nil {
		return nil, errors.TraceMsg(err, "failed to bind listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		listener: ln,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		s.acceptLoop(ctx, ln, h)
	}()

	return h, nil
}

// StartBlocking binds listenAddress:port and blocks the calling
// goroutine while the accept loop runs. It returns an error only when
// binding fails: accept errors are logged without ending the loop, and
// no Handle is returned through which the loop could be stopped.
func (s *ServerState) StartBlocking(listenAddress string, port uint16) error {
	h, err := s.Start(listenAddress, port)
	if err != nil {
		return err
	}
	<-h.done
	return nil
}

// Stop closes the listener, signals every in-flight session via context
// cancellation, and waits up to drainTimeout for them to finish.
func (s *ServerState) Stop(h *Handle) {
	h.cancel()
	h.listener.Close()

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn("sip022: drain timeout exceeded, returning with sessions still running")
	}
	<-h.done
}

func (s *ServerState) acceptLoop(ctx context.Context, ln net.Listener, h *Handle) {
	limiters := newRateLimiterSet()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("sip022: accept failed, continuing to listen")
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		ip := remoteIP(tcpConn)
		if !limiters.allow(ip) {
			s.logger.WithField("remote_ip", ip).Info("sip022: connection_rejected rate_limited")
			tcpConn.Close()
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer tcpConn.Close()
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithField("remote_addr", tcpConn.RemoteAddr().String()).
						Warn("sip022: panic in session handler, continuing to listen")
				}
			}()
			s.handleConnection(ctx, tcpConn)
		}()
	}
}

func (s *ServerState) handleConnection(ctx context.Context, conn *net.TCPConn) {
	fields := logrus.Fields{
		"remote_addr": conn.RemoteAddr().String(),
		"access_key":  "default",
	}
	s.logger.WithFields(fields).Info("sip022: connection_accepted")

	sess := session.New(conn, s.suite, s.psk, s.salts, s.dialer, s.logger)
	err := sess.Run(ctx)

	logEntry := s.logger.WithFields(fields)
	if err != nil {
		logEntry.WithError(err).Info("sip022: session_closed")
	} else {
		logEntry.Info("sip022: session_closed")
	}
}

func remoteIP(conn *net.TCPConn) string {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// rateLimiterSet hands out a token-bucket limiter per source IP,
// guarding the handshake path the way the salt cache guards the replay
// window — an abusive client can be throttled before it ever reaches
// AEAD authentication.
type rateLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiterSet() *rateLimiterSet {
	return &rateLimiterSet{limiters: make(map[string]*rate.Limiter)}
}

func (r *rateLimiterSet) allow(ip string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(acceptRateLimit), acceptRateBurst)
		r.limiters[ip] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func portToString(port uint16) string {
	return strconv.Itoa(int(port))
}
