package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func samplePacket() *Packet {
	return &Packet{
		SessionID:  "session-abc",
		Sequence:   42,
		TTSTS:      1755000000123,
		PlaybackTS: 1755000000143,
		Format:     FormatPCM,
		SampleRate: 44100,
		Last:       false,
		Payload:    []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func TestParseRoundTrip(t *testing.T) {
	in := samplePacket()
	in.Last = true

	buf, err := Append(nil, in)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if want := fixedHeaderLen + len(in.SessionID) + len(in.Payload); len(buf) != want {
		t.Fatalf("encoded length = %d, want %d", len(buf), want)
	}

	out, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if out.SessionID != in.SessionID {
		t.Errorf("session id = %q, want %q", out.SessionID, in.SessionID)
	}
	if out.Sequence != in.Sequence {
		t.Errorf("sequence = %d, want %d", out.Sequence, in.Sequence)
	}
	if out.TTSTS != in.TTSTS || out.PlaybackTS != in.PlaybackTS {
		t.Errorf("timestamps = (%d, %d), want (%d, %d)", out.TTSTS, out.PlaybackTS, in.TTSTS, in.PlaybackTS)
	}
	if out.Format != in.Format || out.SampleRate != in.SampleRate {
		t.Errorf("format/rate = (%v, %d), want (%v, %d)", out.Format, out.SampleRate, in.Format, in.SampleRate)
	}
	if !out.Last {
		t.Error("last flag lost in round trip")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload = %v, want %v", out.Payload, in.Payload)
	}
}

func TestParseEmptyPayload(t *testing.T) {
	in := samplePacket()
	in.Payload = nil

	buf, err := Append(nil, in)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	out, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.Payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(out.Payload))
	}
}

func TestParseTruncated(t *testing.T) {
	buf, err := Append(nil, samplePacket())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Every prefix short of the payload boundary must fail cleanly.
	for _, n := range []int{0, 1, 5, fixedHeaderLen - 1, fixedHeaderLen} {
		if n > len(buf) {
			continue
		}
		_, err := Parse(buf[:n])
		if err == nil {
			t.Errorf("Parse of %d-byte prefix succeeded, want error", n)
		}
	}
}

func TestParseBadSessionIDLength(t *testing.T) {
	buf, err := Append(nil, samplePacket())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	buf[0] = 0
	if _, err := Parse(buf); !errors.Is(err, ErrBadSessionID) {
		t.Errorf("Parse = %v, want ErrBadSessionID", err)
	}
}

func TestParseRejectsOversizedSessionID(t *testing.T) {
	// Append cannot produce this, so forge the length byte directly. The
	// claimed id must be refused before any truncation verdict.
	buf := make([]byte, fixedHeaderLen)
	buf[0] = 200
	if _, err := Parse(buf); !errors.Is(err, ErrSessionTooLong) {
		t.Errorf("Parse = %v, want ErrSessionTooLong", err)
	}

	buf = make([]byte, fixedHeaderLen+255)
	buf[0] = 255
	if _, err := Parse(buf); !errors.Is(err, ErrSessionTooLong) {
		t.Errorf("Parse with full sid bytes = %v, want ErrSessionTooLong", err)
	}
}

func TestParseUnknownFormat(t *testing.T) {
	in := samplePacket()
	buf, err := Append(nil, in)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// fmt byte sits after sid_len + sid + seq + tts_ts + playback_ts.
	fmtOff := 1 + len(in.SessionID) + 4 + 8 + 8
	buf[fmtOff] = 0xEE
	if _, err := Parse(buf); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Parse = %v, want ErrUnknownFormat", err)
	}
}

func TestParsePayloadLengthMismatch(t *testing.T) {
	buf, err := Append(nil, samplePacket())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// Trailing junk after the declared payload.
	buf = append(buf, 0xFF)
	if _, err := Parse(buf); !errors.Is(err, ErrPayloadLength) {
		t.Errorf("Parse with trailing byte = %v, want ErrPayloadLength", err)
	}
}

func TestAppendRejectsBadSessionID(t *testing.T) {
	p := samplePacket()
	p.SessionID = ""
	if _, err := Append(nil, p); !errors.Is(err, ErrSessionTooLong) {
		t.Errorf("Append with empty sid = %v, want ErrSessionTooLong", err)
	}
	p.SessionID = strings.Repeat("x", MaxSessionIDLen+1)
	if _, err := Append(nil, p); !errors.Is(err, ErrSessionTooLong) {
		t.Errorf("Append with oversized sid = %v, want ErrSessionTooLong", err)
	}
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"pcm", FormatPCM, false},
		{"mp3", FormatMP3, false},
		{"opus", FormatOpus, false},
		{"flac", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q) succeeded, want error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tc.name, got, tc.want)
		}
		if got.String() != tc.name {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), tc.name)
		}
	}
}
