// Copyright 2025 The edgeproxy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protect implements QUIC packet protection: AEAD payload
// encryption/decryption and header protection. It reads
// key material from quic/keys but never owns or drops it.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"edgeproxy/quic/keys"
)

var (
	// ErrKeyUnavailable is returned when the requested phase has no
	// installed/available key material.
	ErrKeyUnavailable = errors.New("protect: key not available for phase")
	// ErrSampleTooShort is returned when fewer than 16 bytes follow the
	// packet-number field, the minimum sample size AEAD_AES_128_GCM needs
	// to derive a header protection mask.
	ErrSampleTooShort = errors.New("protect: insufficient bytes for header protection sample")
	// ErrAuthFailed is returned when AEAD decryption fails tag verification.
	ErrAuthFailed = errors.New("protect: authentication failed")
)

const sampleLen = 16

// Protector applies and removes packet protection for one connection,
// reading key material from a keys.Registry on every call so that key
// updates (phase transitions, drop_keys) take effect immediately without
// needing to re-create the Protector.
type Protector struct {
	reg *keys.Registry
}

// New returns a Protector backed by reg.
func New(reg *keys.Registry) *Protector { return &Protector{reg: reg} }

func aeadFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func nonce(iv *[12]byte, packetNumber uint64) []byte {
	n := make([]byte, 12)
	copy(n, iv[:])
	for i := 0; i < 8; i++ {
		n[11-i] ^= byte(packetNumber >> (8 * uint(i)))
	}
	return n
}

// Protect encrypts plaintext in place (AEAD seal), returning ciphertext
// with the authentication tag appended. aad is the packet's associated
// data (header bytes covered by the AEAD but not encrypted).
func (p *Protector) Protect(phase keys.Phase, packetNumber uint64, aad, plaintext []byte) ([]byte, error) {
	if !p.reg.IsEncryptionKeyAvailable(phase) {
		return nil, ErrKeyUnavailable
	}
	aead, err := aeadFor(p.reg.EncryptionKey(phase)[:])
	if err != nil {
		return nil, err
	}
	n := nonce(p.reg.EncryptionIV(phase), packetNumber)
	return aead.Seal(nil, n, plaintext, aad), nil
}

// Unprotect reverses Protect, verifying the authentication tag.
func (p *Protector) Unprotect(phase keys.Phase, packetNumber uint64, aad, ciphertext []byte) ([]byte, error) {
	if !p.reg.IsDecryptionKeyAvailable(phase) {
		return nil, ErrKeyUnavailable
	}
	aead, err := aeadFor(p.reg.DecryptionKey(phase)[:])
	if err != nil {
		return nil, err
	}
	n := nonce(p.reg.DecryptionIV(phase), packetNumber)
	plaintext, err := aead.Open(nil, n, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// headerProtectionMask derives a 5-byte mask from a sample of protected
// payload bytes using AES-ECB-style single-block encryption of the sample,
// matching AEAD_AES_128_GCM-based header protection.
func headerProtectionMask(hpKey, sample []byte) ([5]byte, error) {
	var mask [5]byte
	if len(sample) < sampleLen {
		return mask, ErrSampleTooShort
	}
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return mask, err
	}
	var out [16]byte
	block.Encrypt(out[:], sample[:sampleLen])
	copy(mask[:], out[:5])
	return mask, nil
}

// ApplyHeaderProtection XORs the mask derived from sample into the first
// byte (masked with protectBits, 0x1f for short headers / 0x0f for long)
// and into the packet-number bytes that follow pnOffset.
func (p *Protector) ApplyHeaderProtection(phase keys.Phase, packet []byte, pnOffset int, pnLen int, protectBits byte) error {
	if !p.reg.IsEncryptionKeyAvailable(phase) {
		return ErrKeyUnavailable
	}
	if len(packet) < pnOffset+4+sampleLen {
		return ErrSampleTooShort
	}
	sample := packet[pnOffset+4:]
	mask, err := headerProtectionMask(p.reg.EncryptionKeyForHP(phase)[:], sample)
	if err != nil {
		return err
	}
	packet[0] ^= mask[0] & protectBits
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// RemoveHeaderProtection reverses ApplyHeaderProtection. The caller must
// first unmask the first byte's low bits to learn pnLen before it can
// locate the packet-number field; this method performs both steps given
// the first byte's protect-bit mask.
func (p *Protector) RemoveHeaderProtection(phase keys.Phase, packet []byte, pnOffset int, protectBits byte) (pnLen int, err error) {
	if !p.reg.IsDecryptionKeyAvailable(phase) {
		return 0, ErrKeyUnavailable
	}
	if len(packet) < pnOffset+4+sampleLen {
		return 0, ErrSampleTooShort
	}
	sample := packet[pnOffset+4:]
	mask, err := headerProtectionMask(p.reg.DecryptionKeyForHP(phase)[:], sample)
	if err != nil {
		return 0, err
	}
	packet[0] ^= mask[0] & protectBits
	pnLen = int(packet[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}
	return pnLen, nil
}
