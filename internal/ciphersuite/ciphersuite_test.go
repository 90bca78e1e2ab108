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

package ciphersuite

import (
	"bytes"
	"testing"
)

func allSuites() []Name {
	return []Name{AEAD_AES_128_GCM, AEAD_AES_256_GCM, AEAD_CHACHA20_POLY1305}
}

func TestForMethodUnknown(t *testing.T) {
	if _, err := ForMethod("AEAD_ROT13"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestDeriveSubkeyDeterministicAndCorrectLength(t *testing.T) {
	for _, name := range allSuites() {
		suite, err := ForMethod(string(name))
		if err != nil {
			t.Fatalf("%s: ForMethod failed: %v", name, err)
		}
		psk := bytes.Repeat([]byte{0x01}, suite.KeyLength())
		salt := bytes.Repeat([]byte{0x02}, suite.SaltLength())

		k1, err := suite.DeriveSubkey(psk, salt)
		if err != nil {
			t.Fatalf("%s: DeriveSubkey failed: %v", name, err)
		}
		k2, err := suite.DeriveSubkey(psk, salt)
		if err != nil {
			t.Fatalf("%s: DeriveSubkey failed: %v", name, err)
		}
		if !bytes.Equal(k1, k2) {
			t.Fatalf("%s: DeriveSubkey is not deterministic", name)
		}
		if len(k1) != suite.KeyLength() {
			t.Fatalf("%s: subkey length = %d, want %d", name, len(k1), suite.KeyLength())
		}
	}
}

func TestEncryptorDecryptorRoundTrip(t *testing.T) {
	for _, name := range allSuites() {
		suite, _ := ForMethod(string(name))
		psk := bytes.Repeat([]byte{0x03}, suite.KeyLength())
		salt, err := suite.RandomSalt()
		if err != nil {
			t.Fatalf("%s: RandomSalt failed: %v", name, err)
		}
		if len(salt) != suite.SaltLength() {
			t.Fatalf("%s: salt length = %d, want %d", name, len(salt), suite.SaltLength())
		}

		subkey, err := suite.DeriveSubkey(psk, salt)
		if err != nil {
			t.Fatalf("%s: DeriveSubkey failed: %v", name, err)
		}

		encAEAD, err := suite.NewAEAD(subkey)
		if err != nil {
			t.Fatalf("%s: NewAEAD failed: %v", name, err)
		}
		decAEAD, err := suite.NewAEAD(subkey)
		if err != nil {
			t.Fatalf("%s: NewAEAD failed: %v", name, err)
		}

		enc := NewEncryptor(encAEAD)
		dec := NewDecryptor(decAEAD)

		for i := 0; i < 3; i++ {
			plaintext := []byte("frame payload")
			sealed := enc.Seal(nil, plaintext)
			opened, err := dec.Open(nil, sealed)
			if err != nil {
				t.Fatalf("%s: frame %d: Open failed: %v", name, i, err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Fatalf("%s: frame %d: opened = %q, want %q", name, i, opened, plaintext)
			}
		}
	}
}

func TestDecryptorRejectsTamperedCiphertext(t *testing.T) {
	suite, _ := ForMethod(string(AEAD_AES_256_GCM))
	psk := bytes.Repeat([]byte{0x04}, suite.KeyLength())
	salt, _ := suite.RandomSalt()
	subkey, _ := suite.DeriveSubkey(psk, salt)

	encAEAD, _ := suite.NewAEAD(subkey)
	decAEAD, _ := suite.NewAEAD(subkey)
	enc := NewEncryptor(encAEAD)
	dec := NewDecryptor(decAEAD)

	sealed := enc.Seal(nil, []byte("hello"))
	sealed[0] ^= 0xFF

	if _, err := dec.Open(nil, sealed); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestNonceIncrementsAcrossFrames(t *testing.T) {
	suite, _ := ForMethod(string(AEAD_CHACHA20_POLY1305))
	psk := bytes.Repeat([]byte{0x05}, suite.KeyLength())
	salt, _ := suite.RandomSalt()
	subkey, _ := suite.DeriveSubkey(psk, salt)
	aead, _ := suite.NewAEAD(subkey)
	enc := NewEncryptor(aead)

	first := enc.Seal(nil, []byte("a"))
	second := enc.Seal(nil, []byte("a"))
	if bytes.Equal(first, second) {
		t.Fatal("sealing identical plaintext twice produced identical ciphertext: nonce did not advance")
	}
}
