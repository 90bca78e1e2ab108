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
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shadowsocks2022/server/internal/ciphersuite"
	"github.com/shadowsocks2022/server/internal/framing"
	"github.com/shadowsocks2022/server/internal/replay"
)

// stubDialer always connects to a fixed address, regardless of the
// decoded target, and records the last address it was asked to dial.
type stubDialer struct {
	target string
	lastAddressType byte
	lastDomain      string
}

func (d *stubDialer) DialTarget(ctx context.Context, addressType byte, ipv4 [4]byte, ipv6 [16]byte, domain string, port uint16) (net.Conn, error) {
	d.lastAddressType = addressType
	d.lastDomain = domain
	return net.Dial("tcp", d.target)
}

// failingDialer always fails, simulating CantConnectToRemote.
type failingDialer struct{}

func (failingDialer) DialTarget(ctx context.Context, addressType byte, ipv4 [4]byte, ipv6 [16]byte, domain string, port uint16) (net.Conn, error) {
	return nil, tracedErr("no route")
}

func tracedErr(msg string) error { return &simpleErr{msg} }

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

// startEchoServer starts a TCP listener that echoes back everything it
// receives on each accepted connection, used as the mock remote for S1
// and S5.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo listener: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// testHarness wires a ClientSession to a real loopback TCP connection so
// scenarios can write raw SIP022 bytes and read raw SIP022 responses.
type testHarness struct {
	t          *testing.T
	psk        []byte
	suite      ciphersuite.Suite
	clientConn net.Conn
	sessionErr chan error
}

func newTestHarness(t *testing.T, dialer Dialer) *testHarness {
	t.Helper()
	suite, err := ciphersuite.ForMethod("AEAD_AES_256_GCM")
	if err != nil {
		t.Fatalf("ForMethod failed: %v", err)
	}
	psk := make([]byte, suite.KeyLength())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	h := &testHarness{t: t, psk: psk, suite: suite, sessionErr: make(chan error, 1)}

	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			h.sessionErr <- err
			return
		}
		tcpConn := conn.(*net.TCPConn)
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		sess := New(tcpConn, suite, psk, replay.NewSaltCache(time.Minute), dialer, logger)
		h.sessionErr <- sess.Run(context.Background())
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial session listener: %v", err)
	}
	h.clientConn = clientConn
	return h
}

func (h *testHarness) close() {
	h.clientConn.Close()
}

// buildRequest encrypts and concatenates a full SIP022 request: salt,
// fixed header, variable header.
func (h *testHarness) buildRequest(timestamp time.Time, varHeader framing.VariableLengthRequestHeader) (requestSalt, wire []byte) {
	h.t.Helper()
	requestSalt, err := h.suite.RandomSalt()
	if err != nil {
		h.t.Fatalf("RandomSalt failed: %v", err)
	}
	subkey, err := h.suite.DeriveSubkey(h.psk, requestSalt)
	if err != nil {
		h.t.Fatalf("DeriveSubkey failed: %v", err)
	}
	aead, err := h.suite.NewAEAD(subkey)
	if err != nil {
		h.t.Fatalf("NewAEAD failed: %v", err)
	}
	enc := ciphersuite.NewEncryptor(aead)

	varPlain, err := framing.EncodeVariableLengthRequestHeader(varHeader)
	if err != nil {
		h.t.Fatalf("EncodeVariableLengthRequestHeader failed: %v", err)
	}

	fixedHeader := framing.FixedLengthRequestHeader{
		Timestamp: timestamp.Unix(),
		Length:    uint16(len(varPlain)),
	}
	fixedCT := enc.Seal(nil, framing.EncodeFixedLengthRequestHeader(fixedHeader))
	varCT := enc.Seal(nil, varPlain)

	wire = append(wire, requestSalt...)
	wire = append(wire, fixedCT...)
	wire = append(wire, varCT...)
	return requestSalt, wire
}

func defaultVarHeader(initialPayload []byte) framing.VariableLengthRequestHeader {
	return framing.VariableLengthRequestHeader{
		AddressType:    framing.AddressTypeIPv4,
		AddressIPv4:    [4]byte{127, 0, 0, 1},
		Port:           9000,
		PaddingLength:  0,
		InitialPayload: initialPayload,
	}
}

func TestHappyPathRoundTrip(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()
	dialer := &stubDialer{target: echoAddr}
	h := newTestHarness(t, dialer)
	defer h.close()

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	requestSalt, wire := h.buildRequest(time.Now(), defaultVarHeader(payload))
	if _, err := h.clientConn.Write(wire); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	respSalt := make([]byte, h.suite.SaltLength())
	if _, err := io.ReadFull(h.clientConn, respSalt); err != nil {
		t.Fatalf("reading response salt failed: %v", err)
	}
	respSubkey, err := h.suite.DeriveSubkey(h.psk, respSalt)
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	respAEAD, err := h.suite.NewAEAD(respSubkey)
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}
	dec := ciphersuite.NewDecryptor(respAEAD)

	headerCT := make([]byte, framing.FixedResponseHeaderLength(h.suite.SaltLength())+h.suite.TagLength())
	if _, err := io.ReadFull(h.clientConn, headerCT); err != nil {
		t.Fatalf("reading response header failed: %v", err)
	}
	headerPT, err := dec.Open(nil, headerCT)
	if err != nil {
		t.Fatalf("opening response header failed: %v", err)
	}
	respHeader, err := framing.DecodeFixedLengthResponseHeader(headerPT, h.suite.SaltLength())
	if err != nil {
		t.Fatalf("decoding response header failed: %v", err)
	}
	if string(respHeader.RequestSalt) != string(requestSalt) {
		t.Fatalf("response header echoes wrong request salt")
	}

	chunkCT := make([]byte, int(respHeader.Length)+h.suite.TagLength())
	if _, err := io.ReadFull(h.clientConn, chunkCT); err != nil {
		t.Fatalf("reading response chunk failed: %v", err)
	}
	chunkPT, err := dec.Open(nil, chunkCT)
	if err != nil {
		t.Fatalf("opening response chunk failed: %v", err)
	}
	if string(chunkPT) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", chunkPT, payload)
	}
}

func TestReplayRejected(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()
	suite, _ := ciphersuite.ForMethod("AEAD_AES_256_GCM")
	psk := make([]byte, suite.KeyLength())
	salts := replay.NewSaltCache(time.Minute)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	serve := func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		sess := New(conn.(*net.TCPConn), suite, psk, salts, &stubDialer{target: echoAddr}, logger)
		return sess.Run(context.Background())
	}

	h := &testHarness{t: t, psk: psk, suite: suite}
	_, wire := h.buildRequest(time.Now(), defaultVarHeader([]byte("hello")))

	errCh1 := make(chan error, 1)
	go func() { errCh1 <- serve() }()
	conn1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn1.Write(wire)
	// Read the response salt so the handshake has fully completed
	// server-side before closing, then disconnect to end this session.
	io.ReadFull(conn1, make([]byte, suite.SaltLength()))
	conn1.Close()
	<-errCh1

	errCh2 := make(chan error, 1)
	go func() { errCh2 <- serve() }()
	conn2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn2.Close()
	conn2.Write(wire)

	if err := <-errCh2; err != ErrDuplicateSalt {
		t.Fatalf("expected ErrDuplicateSalt on replay, got %v", err)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	h := newTestHarness(t, failingDialer{})
	defer h.close()

	_, wire := h.buildRequest(time.Now().Add(-31*time.Second), defaultVarHeader([]byte("hi")))
	h.clientConn.Write(wire)

	if err := <-h.sessionErr; err != ErrTimestampTooOld {
		t.Fatalf("expected ErrTimestampTooOld, got %v", err)
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	h := newTestHarness(t, failingDialer{})
	defer h.close()

	header := framing.VariableLengthRequestHeader{
		AddressType:   framing.AddressTypeIPv4,
		AddressIPv4:   [4]byte{127, 0, 0, 1},
		Port:          9000,
		PaddingLength: 0,
	}
	_, wire := h.buildRequest(time.Now(), header)
	h.clientConn.Write(wire)

	if err := <-h.sessionErr; err != ErrNoInitialPayloadOrPadding {
		t.Fatalf("expected ErrNoInitialPayloadOrPadding, got %v", err)
	}
}

func TestDomainResolution(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()
	dialer := &stubDialer{target: echoAddr}
	h := newTestHarness(t, dialer)
	defer h.close()

	header := framing.VariableLengthRequestHeader{
		AddressType:    framing.AddressTypeDomain,
		Domain:         "localhost",
		Port:           80,
		PaddingLength:  0,
		InitialPayload: []byte("ping"),
	}
	_, wire := h.buildRequest(time.Now(), header)
	h.clientConn.Write(wire)

	respSalt := make([]byte, h.suite.SaltLength())
	if _, err := io.ReadFull(h.clientConn, respSalt); err != nil {
		t.Fatalf("reading response salt failed: %v", err)
	}
	if dialer.lastDomain != "localhost" {
		t.Fatalf("dialer saw domain %q, want localhost", dialer.lastDomain)
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	h := newTestHarness(t, failingDialer{})
	defer h.close()

	_, wire := h.buildRequest(time.Now(), defaultVarHeader([]byte("hi")))
	wire[h.suite.SaltLength()] ^= 0xFF // flip one bit of the fixed header ciphertext
	h.clientConn.Write(wire)

	if err := <-h.sessionErr; err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
