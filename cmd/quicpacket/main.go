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

// quicpacket is a QUIC packet/frame inspection tool for manual testing:
// it derives Initial keys from a connection ID, emits protected Initial
// packets, and parses packets back into their frames.
//
// Usage:
//
//	quicpacket -mode keys  -dcid 8394c8f03e515708
//	quicpacket -mode emit  -dcid 8394c8f03e515708 -payload 01
//	quicpacket -mode parse -dcid 8394c8f03e515708 -packet <hex>
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"edgeproxy/quic/frame"
	"edgeproxy/quic/keys"
	"edgeproxy/quic/packet"
)

func main() {
	mode := flag.String("mode", "keys", "keys, emit, or parse")
	dcidHex := flag.String("dcid", "", "destination connection id (hex)")
	scidHex := flag.String("scid", "", "source connection id (hex)")
	payloadHex := flag.String("payload", "01", "frame payload to protect (hex, emit mode)")
	packetHex := flag.String("packet", "", "packet bytes to parse (hex, parse mode)")
	asClient := flag.Bool("client", false, "derive keys as the client side")
	flag.Parse()

	if *dcidHex == "" {
		fmt.Fprintln(os.Stderr, "quicpacket: -dcid is required")
		os.Exit(2)
	}
	dcid, err := hex.DecodeString(*dcidHex)
	if err != nil {
		log.Fatalf("bad -dcid: %v", err)
	}

	ctx := keys.ContextServer
	if *asClient {
		ctx = keys.ContextClient
	}
	reg := keys.New(ctx)
	if err := reg.DeriveInitial(dcid); err != nil {
		log.Fatalf("deriving initial keys: %v", err)
	}

	switch *mode {
	case "keys":
		printKeys(reg)
	case "emit":
		emit(reg, dcid, *scidHex, *payloadHex)
	case "parse":
		parse(reg, *packetHex)
	default:
		fmt.Fprintf(os.Stderr, "quicpacket: unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func printKeys(reg *keys.Registry) {
	fmt.Printf("encryption key: %x\n", reg.EncryptionKey(keys.PhaseInitial)[:])
	fmt.Printf("encryption iv:  %x\n", reg.EncryptionIV(keys.PhaseInitial)[:])
	fmt.Printf("encryption hp:  %x\n", reg.EncryptionKeyForHP(keys.PhaseInitial)[:])
	fmt.Printf("decryption key: %x\n", reg.DecryptionKey(keys.PhaseInitial)[:])
	fmt.Printf("decryption iv:  %x\n", reg.DecryptionIV(keys.PhaseInitial)[:])
	fmt.Printf("decryption hp:  %x\n", reg.DecryptionKeyForHP(keys.PhaseInitial)[:])
}

func emit(reg *keys.Registry, dcid []byte, scidHex, payloadHex string) {
	scid, err := hex.DecodeString(scidHex)
	if err != nil {
		log.Fatalf("bad -scid: %v", err)
	}
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		log.Fatalf("bad -payload: %v", err)
	}

	f := packet.New(reg)
	bytes, outcome := f.Emit(packet.TypeInitial, dcid, scid, packet.SupportedVersion, payload)
	fmt.Printf("outcome: %s\n", outcome)
	if outcome == packet.OutcomeSuccess {
		fmt.Printf("packet:  %x\n", bytes)
	}
}

func parse(reg *keys.Registry, packetHex string) {
	if packetHex == "" {
		fmt.Fprintln(os.Stderr, "quicpacket: -packet is required in parse mode")
		os.Exit(2)
	}
	raw, err := hex.DecodeString(packetHex)
	if err != nil {
		log.Fatalf("bad -packet: %v", err)
	}

	f := packet.New(reg)
	p, outcome := f.Parse(raw)
	fmt.Printf("outcome: %s\n", outcome)
	if outcome != packet.OutcomeSuccess {
		return
	}
	fmt.Printf("type=%d version=%d pn=%d dcid=%x scid=%x payload=%d bytes\n",
		p.Type, p.Version, p.PacketNumber, p.DestinationConnID, p.SourceConnID, len(p.Payload))

	rest := p.Payload
	for len(rest) > 0 {
		fr, n := frame.Parse(rest)
		if fr == nil || n == 0 {
			fmt.Printf("  <%d undecodable bytes>\n", len(rest))
			return
		}
		fmt.Printf("  %s\n", fr.DebugDescription())
		rest = rest[n:]
	}
}
