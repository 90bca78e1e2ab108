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

// Package session implements the per-connection SIP022 protocol state
// machine and the relay engine built on top of it: handshake decoding,
// target dialing, and the bidirectional, AEAD-framed byte pump between
// the client and the resolved target.
//
// The relay engine is grounded on
// outline-ss-server/service/tcp.go's proxyConnection: one goroutine per
// direction, coordinated by an errgroup that carries the first failure
// back to the caller and unblocks the other direction with a past read
// deadline, rather than a single select loop multiplexing both
// directions on one goroutine. Correctness only
// requires that each direction's AEAD nonce counter stay strictly
// increasing and that request and response streams never share a
// session outside this one connection.
package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shadowsocks2022/server/internal/ciphersuite"
	tracederrors "github.com/shadowsocks2022/server/internal/errors"
	"github.com/shadowsocks2022/server/internal/framing"
	"github.com/shadowsocks2022/server/internal/replay"
)

// decoderState is the session's request-side decoding state.
// wait_for_fixed is the initial state; there is no terminal state, the
// decoder loops between wait_for_length and wait_for_payload for the
// life of the session.
type decoderState int

const (
	waitForFixed decoderState = iota
	waitForVariable
	waitForLength
	waitForPayload
)

func (s decoderState) String() string {
	switch s {
	case waitForFixed:
		return "wait_for_fixed"
	case waitForVariable:
		return "wait_for_variable"
	case waitForLength:
		return "wait_for_length"
	case waitForPayload:
		return "wait_for_payload"
	default:
		return "unknown"
	}
}

// timestampSkew is the ±30 s window a request header's timestamp must
// fall within: both stale and future-dated timestamps outside this
// window are rejected, bounding how long a captured handshake stays
// replayable even before the salt cache is consulted.
const timestampSkew = 30 * time.Second

// maxReadChunk bounds a single read from the target before it is framed
// toward the client, keeping every emitted frame within the 65535-byte
// ceiling a u16 length prefix can represent.
const maxReadChunk = 32 * 1024

// Dialer resolves and connects to the target named by a decoded
// VariableLengthRequestHeader. The default implementation uses
// net.Dialer/net.Resolver; tests substitute a stub.
type Dialer interface {
	DialTarget(ctx context.Context, addressType byte, ipv4 [4]byte, ipv6 [16]byte, domain string, port uint16) (net.Conn, error)
}

// netDialer is the production Dialer, grounded on
// outline-ss-server/service/tcp.go's MakeValidatingTCPStreamDialer
// structure (dial, classify failure) generalized to also resolve DOMAIN
// targets and try each returned address in order until one connects.
type netDialer struct {
	dialer   net.Dialer
	resolver *net.Resolver
}

// NewNetDialer returns the default, network-backed Dialer.
func NewNetDialer() Dialer {
	return &netDialer{resolver: net.DefaultResolver}
}

func (d *netDialer) DialTarget(ctx context.Context, addressType byte, ipv4 [4]byte, ipv6 [16]byte, domain string, port uint16) (net.Conn, error) {
	switch addressType {
	case framing.AddressTypeIPv4:
		ip := net.IP(ipv4[:])
		return d.dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), portString(port)))
	case framing.AddressTypeIPv6:
		ip := net.IP(ipv6[:])
		return d.dialer.DialContext(ctx, "tcp6", net.JoinHostPort(ip.String(), portString(port)))
	case framing.AddressTypeDomain:
		addrs, err := d.resolver.LookupIPAddr(ctx, domain)
		if err != nil {
			return nil, tracederrors.TraceMsg(err, "failed to resolve domain")
		}
		var lastErr error
		for _, addr := range addrs {
			conn, err := d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), portString(port)))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = tracederrors.TraceNew("no addresses returned for domain")
		}
		return nil, tracederrors.Trace(lastErr)
	default:
		return nil, ErrUnknownAddressType
	}
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

// ClientSession owns one accepted client connection end to end: both
// sockets, both AEAD contexts, the decoder state, and the most recently
// parsed pending length. Exclusively owned by the goroutine running Run
// and the two relay goroutines it starts.
type ClientSession struct {
	suite  ciphersuite.Suite
	psk    []byte
	salts  *replay.SaltCache
	dialer Dialer
	logger logrus.FieldLogger

	clientConn *net.TCPConn
	clientR    *bufio.Reader
	remoteConn net.Conn

	requestSalt  []byte
	responseSalt []byte
	decryptor    *ciphersuite.Decryptor
	encryptor    *ciphersuite.Encryptor

	sentInitialResponse bool
	status              decoderState
	pendingLength       uint16
}

// New constructs a ClientSession for one freshly accepted connection.
func New(conn *net.TCPConn, suite ciphersuite.Suite, psk []byte, salts *replay.SaltCache, dialer Dialer, logger logrus.FieldLogger) *ClientSession {
	return &ClientSession{
		suite:      suite,
		psk:        psk,
		salts:      salts,
		dialer:     dialer,
		logger:     logger,
		clientConn: conn,
		clientR:    bufio.NewReaderSize(conn, 64*1024),
		status:     waitForFixed,
	}
}

// Run drives the session to completion: handshake, then bidirectional
// relay, returning the terminal error that ended it (nil only if the
// context was canceled for an orderly shutdown).
func (s *ClientSession) Run(ctx context.Context) error {
	defer func() {
		if s.remoteConn != nil {
			s.remoteConn.Close()
		}
	}()

	if err := s.handshake(ctx); err != nil {
		s.teardown(err)
		return err
	}

	err := s.relay(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		err = nil
	}
	s.teardown(err)
	return err
}

// teardown closes the client connection gracefully (FIN) for peer-close
// errors, or abortively (RST via SO_LINGER(1,0)) for every other
// session-fatal error, so a decryption or protocol failure never leaves
// a half-open socket lingering in TIME_WAIT.
func (s *ClientSession) teardown(err error) {
	if err == nil || isGraceful(err) {
		s.clientConn.Close()
		return
	}
	s.clientConn.SetLinger(0)
	s.clientConn.Close()
}

// handshake performs the wait_for_fixed and wait_for_variable decoder
// states: authenticate the fixed header, authenticate and decode the
// variable header, dial the target, and forward the initial payload.
func (s *ClientSession) handshake(ctx context.Context) error {
	requestSalt := make([]byte, s.suite.SaltLength())
	if _, err := io.ReadFull(s.clientR, requestSalt); err != nil {
		return ErrClientDisconnected
	}
	s.requestSalt = requestSalt

	s.salts.EvictStale()
	if !s.salts.TryAdd(requestSalt) {
		return ErrDuplicateSalt
	}

	subkey, err := s.suite.DeriveSubkey(s.psk, requestSalt)
	if err != nil {
		return tracederrors.Trace(err)
	}
	aead, err := s.suite.NewAEAD(subkey)
	if err != nil {
		return tracederrors.Trace(err)
	}
	s.decryptor = ciphersuite.NewDecryptor(aead)

	fixedCT := make([]byte, framing.FixedHeaderLength+s.suite.TagLength())
	if _, err := io.ReadFull(s.clientR, fixedCT); err != nil {
		return ErrClientDisconnected
	}
	fixedPT, err := s.decryptor.Open(nil, fixedCT)
	if err != nil {
		return ErrAuthFailed
	}
	fixedHeader, err := framing.DecodeFixedLengthRequestHeader(fixedPT)
	if err != nil {
		return tracederrors.Trace(err)
	}

	now := time.Now()
	skew := now.Sub(time.Unix(fixedHeader.Timestamp, 0))
	if skew > timestampSkew || skew < -timestampSkew {
		return ErrTimestampTooOld
	}
	s.status = waitForVariable

	varCT := make([]byte, int(fixedHeader.Length)+s.suite.TagLength())
	if _, err := io.ReadFull(s.clientR, varCT); err != nil {
		return ErrClientDisconnected
	}
	varPT, err := s.decryptor.Open(nil, varCT)
	if err != nil {
		return ErrAuthFailed
	}
	varHeader, err := framing.DecodeVariableLengthRequestHeader(varPT)
	if err == framing.ErrNoInitialPayloadOrPadding {
		return ErrNoInitialPayloadOrPadding
	} else if err != nil {
		return tracederrors.Trace(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remoteConn, err := s.dialer.DialTarget(dialCtx, varHeader.AddressType, varHeader.AddressIPv4, varHeader.AddressIPv6, varHeader.Domain, varHeader.Port)
	if err != nil {
		if err == ErrUnknownAddressType {
			return err
		}
		return ErrCantConnectToRemote
	}
	s.remoteConn = remoteConn

	if len(varHeader.InitialPayload) > 0 {
		if _, err := remoteConn.Write(varHeader.InitialPayload); err != nil {
			return ErrClientDisconnected
		}
	}
	s.status = waitForLength

	responseSalt, err := s.suite.RandomSalt()
	if err != nil {
		return tracederrors.Trace(err)
	}
	s.responseSalt = responseSalt
	respSubkey, err := s.suite.DeriveSubkey(s.psk, responseSalt)
	if err != nil {
		return tracederrors.Trace(err)
	}
	respAEAD, err := s.suite.NewAEAD(respSubkey)
	if err != nil {
		return tracederrors.Trace(err)
	}
	s.encryptor = ciphersuite.NewEncryptor(respAEAD)

	return nil
}

// relay runs the client->remote and remote->client pumps concurrently
// and returns the first error either side produces, canceling the other
// side's blocking read via a past deadline so it unwinds promptly
// (outline-ss-server's proxyConnection achieves the same half-close
// coordination with io.Copy and explicit CloseRead/CloseWrite calls;
// the SIP022 framing here requires decoding each direction independently
// instead of a raw byte copy).
func (s *ClientSession) relay(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.relayClientToRemote(gctx)
		// Unblock relayRemoteToClient's pending Read so it can observe
		// gctx's cancellation and return promptly.
		if tc, ok := s.remoteConn.(*net.TCPConn); ok {
			tc.SetReadDeadline(time.Unix(0, 1))
		}
		return err
	})
	g.Go(func() error {
		err := s.relayRemoteToClient(gctx)
		// Unblock relayClientToRemote's pending Read symmetrically.
		s.clientConn.SetReadDeadline(time.Unix(0, 1))
		return err
	})

	return g.Wait()
}

// relayClientToRemote loops the wait_for_length/wait_for_payload states,
// decrypting each chunk length then payload and writing the payload to
// the target, reusing the single request Decryptor so its nonce
// counter strictly increases across the whole session.
func (s *ClientSession) relayClientToRemote(ctx context.Context) error {
	tagLen := s.suite.TagLength()
	lengthCT := make([]byte, 2+tagLen)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(s.clientR, lengthCT); err != nil {
			return classifyReadErr(err, ErrClientDisconnected)
		}
		lengthPT, err := s.decryptor.Open(nil, lengthCT)
		if err != nil {
			return ErrAuthFailed
		}
		chunkLen, err := framing.DecodeChunkLength(lengthPT)
		if err != nil {
			return tracederrors.Trace(err)
		}
		s.pendingLength = chunkLen

		payloadCT := make([]byte, int(chunkLen)+tagLen)
		if _, err := io.ReadFull(s.clientR, payloadCT); err != nil {
			return classifyReadErr(err, ErrClientDisconnected)
		}
		payloadPT, err := s.decryptor.Open(nil, payloadCT)
		if err != nil {
			return ErrAuthFailed
		}
		if len(payloadPT) > 0 {
			if _, err := s.remoteConn.Write(payloadPT); err != nil {
				return ErrRemoteDisconnected
			}
		}
	}
}

// relayRemoteToClient reads plaintext from the target and calls
// forwardToClient to frame and seal it toward the client.
func (s *ClientSession) relayRemoteToClient(ctx context.Context) error {
	buf := make([]byte, maxReadChunk)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.remoteConn.Read(buf)
		if n > 0 {
			if ferr := s.forwardToClient(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return classifyReadErr(err, ErrRemoteDisconnected)
		}
	}
}

// forwardToClient writes one response chunk to the client: the first
// call emits the response salt and FixedLengthResponseHeader, every
// subsequent call emits a 2-byte length prefix, and every call seals
// and writes the plaintext itself — all under the single response
// Encryptor so its nonce sequence is 0, 1, 2, … with no gaps.
func (s *ClientSession) forwardToClient(plaintext []byte) error {
	var out []byte
	if !s.sentInitialResponse {
		out = append(out, s.responseSalt...)
		header := framing.FixedLengthResponseHeader{
			Timestamp:   time.Now().Unix(),
			RequestSalt: s.requestSalt,
			Length:      uint16(len(plaintext)),
		}
		out = s.encryptor.Seal(out, framing.EncodeFixedLengthResponseHeader(header))
		s.sentInitialResponse = true
	} else {
		out = s.encryptor.Seal(out, framing.EncodeChunkLength(uint16(len(plaintext))))
	}
	out = s.encryptor.Seal(out, plaintext)

	if _, err := s.clientConn.Write(out); err != nil {
		return ErrRemoteDisconnected
	}
	return nil
}

func classifyReadErr(err error, peerClosed error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return peerClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return peerClosed
	}
	return tracederrors.Trace(err)
}

