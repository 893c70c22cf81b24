// Package relay implements the PBX-facing side of the gateway: a TCP
// AudioSocket server that bridges a SIP/PBX origination to the agent's
// WebSocket turn engine, resampling and pacing audio in both directions.
// Grounded on original_source/asterisk/relay.py's handle_call, generalized
// from its mulaw/no-resample prototype to the pcm16k relay-side-resample
// design spec.md §9 names as canonical.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

// Frame type bytes for the PBX AudioSocket protocol (spec.md §6).
const (
	FrameHangup uint8 = 0x00
	FrameUUID   uint8 = 0x01
	FrameAudio  uint8 = 0x10
)

// PCM8kFrameBytes is the fixed wire frame size for 8 kHz mono 16-bit PCM at
// 20 ms (spec.md §6: "exactly 320 bytes per frame").
const PCM8kFrameBytes = 320

// Handshake is the parsed result of the connection's opening 19-byte frame.
type Handshake struct {
	CallerID [16]byte
}

// ReadHandshake reads exactly 19 bytes and validates the UUID frame header
// (type 0x01, length 16). Any deviation is ErrBadHandshake.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, 19)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", orchestrator.ErrBadHandshake, err)
	}
	if buf[0] != FrameUUID {
		return Handshake{}, fmt.Errorf("%w: type byte %#x", orchestrator.ErrBadHandshake, buf[0])
	}
	length := binary.BigEndian.Uint16(buf[1:3])
	if length != 16 {
		return Handshake{}, fmt.Errorf("%w: length %d", orchestrator.ErrBadHandshake, length)
	}
	var hs Handshake
	copy(hs.CallerID[:], buf[3:19])
	return hs, nil
}

// FrameHeader is the 3-byte {type, length BE} preamble of every frame after
// the handshake.
type FrameHeader struct {
	Type   uint8
	Length uint16
}

// ReadFrameHeader reads one 3-byte frame header.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(r, buf); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{Type: buf[0], Length: binary.BigEndian.Uint16(buf[1:3])}, nil
}

// WriteFrame writes a {type, length, payload} frame.
func WriteFrame(w io.Writer, frameType uint8, payload []byte) error {
	header := make([]byte, 3, 3+len(payload))
	header[0] = frameType
	binary.BigEndian.PutUint16(header[1:3], uint16(len(payload)))
	header = append(header, payload...)
	_, err := w.Write(header)
	return err
}
