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

package keys

import (
	"crypto/hkdf"
	"crypto/sha256"
	"fmt"
)

// initialSaltV1 is the version 1 Initial salt from RFC 9001 §5.2.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// hkdfExpandLabel is the TLS 1.3 HKDF-Expand-Label (RFC 8446 §7.1) with
// the "tls13 " prefix, as QUIC's key schedule requires.
func hkdfExpandLabel(secret []byte, label string, length int) ([]byte, error) {
	full := "tls13 " + label
	info := make([]byte, 0, 4+len(full))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, 0) // empty context
	return hkdf.Expand(sha256.New, secret, string(info), length)
}

func deriveSide(initialSecret []byte, label string) (key [keyLen]byte, iv [ivLen]byte, hp [hpLen]byte, err error) {
	secret, err := hkdfExpandLabel(initialSecret, label, sha256.Size)
	if err != nil {
		return key, iv, hp, err
	}
	k, err := hkdfExpandLabel(secret, "quic key", keyLen)
	if err != nil {
		return key, iv, hp, err
	}
	i, err := hkdfExpandLabel(secret, "quic iv", ivLen)
	if err != nil {
		return key, iv, hp, err
	}
	h, err := hkdfExpandLabel(secret, "quic hp", hpLen)
	if err != nil {
		return key, iv, hp, err
	}
	copy(key[:], k)
	copy(iv[:], i)
	copy(hp[:], h)
	return key, iv, hp, nil
}

// DeriveInitial installs the version 1 Initial keys for both directions,
// derived from the client's destination connection ID per RFC 9001 §5.2.
// The registry's context decides which side's keys land in the local
// (encryption) slot.
func (r *Registry) DeriveInitial(clientDestConnID []byte) error {
	initialSecret, err := hkdf.Extract(sha256.New, clientDestConnID, initialSaltV1)
	if err != nil {
		return fmt.Errorf("initial secret: %w", err)
	}

	cKey, cIV, cHP, err := deriveSide(initialSecret, "client in")
	if err != nil {
		return fmt.Errorf("client initial keys: %w", err)
	}
	sKey, sIV, sHP, err := deriveSide(initialSecret, "server in")
	if err != nil {
		return fmt.Errorf("server initial keys: %w", err)
	}

	localKey, localIV, localHP := sKey, sIV, sHP
	peerKey, peerIV, peerHP := cKey, cIV, cHP
	if r.ctx == ContextClient {
		localKey, localIV, localHP = cKey, cIV, cHP
		peerKey, peerIV, peerHP = sKey, sIV, sHP
	}

	r.SetKey(PhaseInitial, DirectionLocal, localKey, localIV, localHP)
	r.SetKey(PhaseInitial, DirectionPeer, peerKey, peerIV, peerHP)
	r.SetAvailable(PhaseInitial, DirectionLocal)
	r.SetAvailable(PhaseInitial, DirectionPeer)
	return nil
}
