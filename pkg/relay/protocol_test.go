package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
)

func TestReadHandshake_Valid(t *testing.T) {
	var callerID [16]byte
	for i := range callerID {
		callerID[i] = byte(i)
	}
	buf := make([]byte, 0, 19)
	buf = append(buf, FrameUUID)
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, 16)
	buf = append(buf, lenBytes...)
	buf = append(buf, callerID[:]...)

	hs, err := ReadHandshake(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hs.CallerID != callerID {
		t.Errorf("expected caller ID %v, got %v", callerID, hs.CallerID)
	}
}

func TestReadHandshake_WrongType(t *testing.T) {
	buf := make([]byte, 19)
	buf[0] = 0x99
	_, err := ReadHandshake(bytes.NewReader(buf))
	if !errors.Is(err, orchestrator.ErrBadHandshake) {
		t.Errorf("expected ErrBadHandshake, got %v", err)
	}
}

func TestReadHandshake_WrongLength(t *testing.T) {
	buf := make([]byte, 19)
	buf[0] = FrameUUID
	binary.BigEndian.PutUint16(buf[1:3], 8)
	_, err := ReadHandshake(bytes.NewReader(buf))
	if !errors.Is(err, orchestrator.ErrBadHandshake) {
		t.Errorf("expected ErrBadHandshake, got %v", err)
	}
}

func TestReadHandshake_Truncated(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader([]byte{FrameUUID, 0, 16}))
	if !errors.Is(err, orchestrator.ErrBadHandshake) {
		t.Errorf("expected ErrBadHandshake, got %v", err)
	}
}

func TestWriteFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	if err := WriteFrame(&buf, FrameAudio, payload); err != nil {
		t.Fatal(err)
	}

	header, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if header.Type != FrameAudio {
		t.Errorf("expected type %#x, got %#x", FrameAudio, header.Type)
	}
	if int(header.Length) != len(payload) {
		t.Errorf("expected length %d, got %d", len(payload), header.Length)
	}

	got := make([]byte, header.Length)
	buf.Read(got)
	if !bytes.Equal(got, payload) {
		t.Errorf("expected payload %v, got %v", payload, got)
	}
}

func TestWriteFrame_HangupIsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameHangup, nil); err != nil {
		t.Fatal(err)
	}
	header, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if header.Length != 0 {
		t.Errorf("expected zero-length hangup frame, got %d", header.Length)
	}
}
