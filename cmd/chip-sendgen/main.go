// chip-sendgen drives a receiver by hand: it announces a session on the
// control plane, streams wire-format datagrams at a fixed cadence with
// optional artificial jitter, and ends the session. Useful for soak tests
// and for exercising a receiver without the upstream synthesis service.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/claude-did-this/chip-audio-receiver/internal/protocol"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

func main() {
	var (
		natsURL    string
		target     string
		sessionID  string
		packets    int
		intervalMS int
		jitterMS   int
		sampleRate int
		subtitles  bool
	)

	flag.StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL for the control plane")
	flag.StringVar(&target, "target", "127.0.0.1:8001", "Receiver UDP endpoint")
	flag.StringVar(&sessionID, "session", "sendgen-1", "Session id")
	flag.IntVar(&packets, "packets", 250, "Number of packets to send")
	flag.IntVar(&intervalMS, "interval", 20, "Packet interval in ms")
	flag.IntVar(&jitterMS, "jitter", 0, "Artificial send jitter amplitude in ms")
	flag.IntVar(&sampleRate, "rate", 44100, "Declared sample rate")
	flag.BoolVar(&subtitles, "subtitles", false, "Send a subtitle cue per second of audio")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(logger, natsURL, target, sessionID, packets, intervalMS, jitterMS, sampleRate, subtitles); err != nil {
		logger.Error("sendgen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, natsURL, target, sessionID string, packets, intervalMS, jitterMS, sampleRate int, subtitles bool) error {
	nc, err := nats.Connect(natsURL, nats.Name("chip-sendgen"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("dial receiver: %w", err)
	}
	defer conn.Close()

	local := conn.LocalAddr().String()
	start := protocol.SessionStart{
		SessionID:      sessionID,
		ClientEndpoint: local,
		ExpectedFormat: "pcm",
		SampleRate:     uint32(sampleRate),
	}
	data, err := json.Marshal(start)
	if err != nil {
		return err
	}
	if err := nc.Publish(protocol.SubjectSessionStart, data); err != nil {
		return fmt.Errorf("publish session start: %w", err)
	}
	logger.Info("session announced", slog.String("session_id", sessionID), slog.String("from", local))

	// Give the receiver a moment to register before the first datagram.
	time.Sleep(200 * time.Millisecond)

	// One interval of 16-bit mono PCM silence.
	payload := make([]byte, sampleRate*2*intervalMS/1000)
	base := uint64(1000)
	var scratch []byte

	for i := 0; i < packets; i++ {
		ts := base + uint64(i*intervalMS)
		pkt := &wire.Packet{
			SessionID:  sessionID,
			Sequence:   uint32(i + 1),
			TTSTS:      ts,
			PlaybackTS: ts,
			Format:     wire.FormatPCM,
			SampleRate: uint32(sampleRate),
			Last:       i == packets-1,
			Payload:    payload,
		}
		scratch, err = wire.Append(scratch[:0], pkt)
		if err != nil {
			return err
		}
		if _, err := conn.Write(scratch); err != nil {
			return fmt.Errorf("send packet %d: %w", i+1, err)
		}

		if subtitles && i%(1000/intervalMS) == 0 {
			cue := protocol.SubtitleCue{
				SessionID:   sessionID,
				Text:        fmt.Sprintf("chunk %d", i+1),
				StartTimeMS: int64(i * intervalMS),
				EndTimeMS:   int64(i*intervalMS + 900),
			}
			if data, err := json.Marshal(cue); err == nil {
				_ = nc.Publish(protocol.SubjectSubtitleCue, data)
			}
		}

		sleep := time.Duration(intervalMS) * time.Millisecond
		if jitterMS > 0 {
			sleep += time.Duration(rand.Intn(2*jitterMS)-jitterMS) * time.Millisecond
			if sleep < 0 {
				sleep = 0
			}
		}
		time.Sleep(sleep)
	}

	end := protocol.SessionEnd{SessionID: sessionID, Reason: "COMPLETED"}
	data, err = json.Marshal(end)
	if err != nil {
		return err
	}
	if err := nc.Publish(protocol.SubjectSessionEnd, data); err != nil {
		return fmt.Errorf("publish session end: %w", err)
	}
	logger.Info("session ended", slog.Int("packets", packets))
	return nc.Flush()
}
