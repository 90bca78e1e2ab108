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

// Package ciphersuite implements the AEAD cipher suites used by the SIP022
// Shadowsocks 2022 protocol: key and salt sizing, HKDF-SHA1 subkey
// derivation, and per-direction AEAD sealing with a monotonically
// increasing, little-endian nonce.
//
// Modeled on the cipherSpec table in
// github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks's cipher.go,
// generalized behind an interface so the session state machine can treat
// AES-128-GCM, AES-256-GCM and ChaCha20-Poly1305 uniformly.
package ciphersuite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/shadowsocks2022/server/internal/errors"
)

// Name identifies one of the three SIP022 AEAD cipher suites.
type Name string

const (
	AEAD_AES_128_GCM        Name = "AEAD_AES_128_GCM"
	AEAD_AES_256_GCM        Name = "AEAD_AES_256_GCM"
	AEAD_CHACHA20_POLY1305  Name = "AEAD_CHACHA20_POLY1305"
	subkeyInfo                   = "ss-subkey"
)

// Suite is the capability a SIP022 AEAD cipher method provides:
// key/salt/tag sizing, a CSPRNG salt source, HKDF subkey derivation,
// and an AEAD constructor keyed by a derived subkey.
type Suite interface {
	Name() Name
	KeyLength() int
	SaltLength() int
	TagLength() int
	RandomSalt() ([]byte, error)
	DeriveSubkey(psk, salt []byte) ([]byte, error)
	NewAEAD(subkey []byte) (cipher.AEAD, error)
}

type suite struct {
	name        Name
	keyLength   int
	saltLength  int
	newInstance func(key []byte) (cipher.AEAD, error)
}

func (s *suite) Name() Name       { return s.name }
func (s *suite) KeyLength() int   { return s.keyLength }
func (s *suite) SaltLength() int  { return s.saltLength }
func (s *suite) TagLength() int   { return 16 }

func (s *suite) RandomSalt() ([]byte, error) {
	salt := make([]byte, s.saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.TraceMsg(err, "failed to generate salt")
	}
	return salt, nil
}

// DeriveSubkey implements HKDF-SHA1(psk, salt, info="ss-subkey"), exactly
// as outline-sdk's EncryptionKey.NewAEAD derives its session key, split
// out here so it can be exercised and tested independently of AEAD
// construction.
func (s *suite) DeriveSubkey(psk, salt []byte) ([]byte, error) {
	subkey := make([]byte, s.keyLength)
	r := hkdf.New(sha1.New, psk, salt, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, errors.TraceMsg(err, "HKDF subkey derivation failed")
	}
	return subkey, nil
}

func (s *suite) NewAEAD(subkey []byte) (cipher.AEAD, error) {
	return s.newInstance(subkey)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewGCM(block)
}

var suites = map[Name]*suite{
	AEAD_AES_128_GCM: {
		name:        AEAD_AES_128_GCM,
		keyLength:   16,
		saltLength:  16,
		newInstance: newAESGCM,
	},
	AEAD_AES_256_GCM: {
		name:        AEAD_AES_256_GCM,
		keyLength:   32,
		saltLength:  32,
		newInstance: newAESGCM,
	},
	AEAD_CHACHA20_POLY1305: {
		name:        AEAD_CHACHA20_POLY1305,
		keyLength:   chacha20poly1305.KeySize,
		saltLength:  32,
		newInstance: chacha20poly1305.New,
	},
}

// ForMethod returns the Suite registered under method, SIP022's
// "AEAD_AES_128_GCM" / "AEAD_AES_256_GCM" / "AEAD_CHACHA20_POLY1305"
// naming (the same names outline-sdk's cipherByName accepts).
func ForMethod(method string) (Suite, error) {
	s, ok := suites[Name(method)]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher method %q", method)
	}
	return s, nil
}

// nonceSize is fixed at 12 bytes for all three SIP022 suites.
const nonceSize = 12

// incrementNonce advances a 96-bit nonce as a little-endian counter, per
// SIP022's mandated little-endian increment (the same scheme as
// outline-sdk/transport/shadowsocks's unexported increment helper).
func incrementNonce(nonce *[nonceSize]byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

// Encryptor seals successive plaintexts under one subkey with a nonce
// that starts at zero and increments after every successful Seal. One
// Encryptor exists per session per direction; its nonce must never be
// reused with the same subkey.
type Encryptor struct {
	aead  cipher.AEAD
	nonce [nonceSize]byte
}

// NewEncryptor wraps aead with a nonce counter starting at zero.
func NewEncryptor(aead cipher.AEAD) *Encryptor {
	return &Encryptor{aead: aead}
}

// Seal appends the sealed ciphertext+tag for plaintext to dst and
// advances the nonce.
func (e *Encryptor) Seal(dst, plaintext []byte) []byte {
	out := e.aead.Seal(dst, e.nonce[:], plaintext, nil)
	incrementNonce(&e.nonce)
	return out
}

// Decryptor opens successive ciphertexts under one subkey, advancing the
// nonce only on successful authentication (an attacker cannot desync the
// counter by sending garbage).
type Decryptor struct {
	aead  cipher.AEAD
	nonce [nonceSize]byte
}

// NewDecryptor wraps aead with a nonce counter starting at zero.
func NewDecryptor(aead cipher.AEAD) *Decryptor {
	return &Decryptor{aead: aead}
}

// ErrAuthFailed is returned when Open fails AEAD authentication.
var ErrAuthFailed = fmt.Errorf("sip022: AEAD authentication failed")

// Open authenticates and decrypts ciphertext (which includes the
// trailing tag), appending the plaintext to dst.
func (d *Decryptor) Open(dst, ciphertext []byte) ([]byte, error) {
	out, err := d.aead.Open(dst, d.nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	incrementNonce(&d.nonce)
	return out, nil
}
