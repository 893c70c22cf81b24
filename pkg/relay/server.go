package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nationwide-screening/voice-gateway/pkg/audio"
	"github.com/nationwide-screening/voice-gateway/pkg/orchestrator"
	"golang.org/x/sync/errgroup"
)

// Config holds the relay server's tunables.
type Config struct {
	ListenAddr      string
	AgentURL        string // base WebSocket URL, e.g. "ws://localhost:8081/ws"
	PingInterval    time.Duration
	PacingFrameMS   int
	UpstreamRate    int // PBX wire rate, spec.md fixes this at 8000
	AgentSampleRate int // rate the agent WS speaks, spec.md fixes this at 16000
}

// DefaultConfig returns the tunables spec.md §6 names for the relay leg.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":9092",
		AgentURL:        "ws://localhost:8081/ws",
		PingInterval:    20 * time.Second,
		PacingFrameMS:   20,
		UpstreamRate:    8000,
		AgentSampleRate: 16000,
	}
}

// Server accepts PBX AudioSocket connections and bridges each one to the
// agent's WebSocket turn engine. Grounded on original_source's
// asyncio.start_server + handle_call, generalized to net.Listener +
// errgroup per connection (the teacher's cmd/agent/main.go device/session
// wiring idiom, adapted from a local device loop to a network accept loop).
type Server struct {
	cfg    Config
	logger *slog.Logger

	listener net.Listener
	sessions atomic.Int64
}

// New creates a relay server; logger may be nil to use slog.Default().
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// ListenAndServe binds the configured address and serves connections until
// ctx is cancelled or a fatal accept error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("relay listening", "addr", s.cfg.ListenAddr, "agent_url", s.cfg.AgentURL)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("relay: accept: %w", err)
			}
		}
		n := s.sessions.Add(1)
		sessionID := fmt.Sprintf("call-%d-%d", time.Now().UnixNano(), n)
		go s.handleConn(ctx, conn, sessionID)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, sessionID string) {
	log := s.logger.With("session_id", sessionID)
	defer conn.Close()

	hs, err := ReadHandshake(conn)
	if err != nil {
		log.Warn("bad handshake", "error", err)
		return
	}
	callerID := uuid.UUID(hs.CallerID)
	log.Info("call connected", "caller_id", callerID.String())

	agentURL := s.cfg.AgentURL + "/" + sessionID
	wsConn, _, err := websocket.Dial(ctx, agentURL, nil)
	if err != nil {
		log.Error("failed to dial agent", "url", agentURL, "error", err)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leg := &leg{
		sessionID:  sessionID,
		conn:       conn,
		ws:         wsConn,
		log:        log,
		cfg:        s.cfg,
		upsample:   audio.NewLinearResampler(s.cfg.UpstreamRate, s.cfg.AgentSampleRate),
		downsample: audio.NewLinearResampler(s.cfg.AgentSampleRate, s.cfg.UpstreamRate),
		audioOut:   make(chan []byte, 64),
		clearAudio: make(chan struct{}, 1),
	}

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return leg.pumpPBXToAgent(gctx) })
	g.Go(func() error { return leg.pumpAgentToPBX(gctx) })
	g.Go(func() error { return leg.pacer(gctx) })
	g.Go(func() error { return leg.keepalive(gctx) })

	if err := g.Wait(); err != nil {
		log.Info("call ended", "reason", err)
	} else {
		log.Info("call ended")
	}
}

// leg holds the per-connection state shared by both pump directions.
type leg struct {
	sessionID string
	conn      net.Conn
	ws        *websocket.Conn
	log       *slog.Logger
	cfg       Config

	upsample   *audio.LinearResampler
	downsample *audio.LinearResampler

	// audioOut carries downsampled audio_response bytes from pumpAgentToPBX
	// to the dedicated pacer goroutine; clearAudio signals it to drop
	// whatever it's holding on interrupt/barge-in. Routing playout through
	// these channels instead of pacing inline in pumpAgentToPBX keeps the WS
	// read loop free to notice the next interrupt immediately, rather than
	// blocked inside an in-flight pacing sleep.
	audioOut   chan []byte
	clearAudio chan struct{}

	dropUntilNextResponse atomic.Bool
}

// keepalive pings the agent WebSocket on the configured interval so
// intermediate proxies and the agent's own idle timeout don't close the
// connection during a long silent stretch of a call.
func (l *leg) keepalive(ctx context.Context) error {
	interval := l.cfg.PingInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.ws.Ping(ctx); err != nil {
				return fmt.Errorf("agent ws ping: %w", err)
			}
		}
	}
}

// pumpPBXToAgent reads AudioSocket frames from the PBX socket in arrival
// order (spec.md §5's ordering guarantee), upsamples audio frames to the
// agent's rate, and forwards JSON messages over the WebSocket.
func (l *leg) pumpPBXToAgent(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		header, err := ReadFrameHeader(l.conn)
		if err != nil {
			return fmt.Errorf("pbx read: %w", err)
		}

		switch header.Type {
		case FrameHangup:
			l.sendJSON(ctx, HangupMessage{Type: msgTypeHangup})
			return orchestrator.ErrConnectionClosed
		case FrameAudio:
			payload := make([]byte, header.Length)
			if _, err := readFull(l.conn, payload); err != nil {
				return fmt.Errorf("pbx read audio: %w", err)
			}
			up := l.upsample.Resample(payload)
			msg := AudioDataMessage{
				Type:   msgTypeAudioData,
				Audio:  base64.StdEncoding.EncodeToString(up),
				Format: "pcm16k",
			}
			if err := l.sendJSON(ctx, msg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %#x", orchestrator.ErrUnknownFrameType, header.Type)
		}
	}
}

// pumpAgentToPBX receives JSON messages from the agent and hands
// audio_response payloads off to the pacer goroutine over audioOut, and
// honors interrupt by signalling clearAudio (spec.md §4.5's pacing
// invariant). Reading never blocks on playout: the pacer owns the pacing
// sleep, so a barge-in interrupt sitting right behind an audio_response in
// the WS stream is read and acted on within this same loop iteration.
func (l *leg) pumpAgentToPBX(ctx context.Context) error {
	for {
		_, data, err := l.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("agent ws read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.log.Warn("malformed agent message", "error", err)
			continue
		}

		switch env.Type {
		case msgTypeAudioResponse:
			if l.dropUntilNextResponse.Load() {
				l.dropUntilNextResponse.Store(false)
				l.signalClear(ctx)
			}
			var msg AudioResponseMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				l.log.Warn("bad audio_response", "error", err)
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				l.log.Warn("bad audio_response base64", "error", err)
				continue
			}
			if l.downsample.SourceRate() != msg.SampleRate && msg.SampleRate > 0 {
				l.downsample.SetSourceRate(msg.SampleRate)
			}
			if !l.downsample.Aligned(raw) {
				l.log.Warn("misaligned audio_response payload", "error", orchestrator.ErrResamplerInputMisaligned, "bytes", len(raw))
				continue
			}
			down := l.downsample.Resample(raw)
			select {
			case l.audioOut <- down:
			case <-ctx.Done():
				return ctx.Err()
			}
		case msgTypeTranscript:
			var msg TranscriptMessage
			json.Unmarshal(data, &msg)
			l.log.Debug("transcript", "text", msg.Text)
		case msgTypeInterrupt:
			l.dropUntilNextResponse.Store(true)
			l.signalClear(ctx)
		case msgTypeHangup:
			if err := WriteFrame(l.conn, FrameHangup, nil); err != nil {
				return fmt.Errorf("pbx write hangup: %w", err)
			}
			return orchestrator.ErrConnectionClosed
		}
	}
}

func (l *leg) signalClear(ctx context.Context) {
	select {
	case l.clearAudio <- struct{}{}:
	case <-ctx.Done():
	default:
	}
}

// pacer is the only goroutine that touches l.conn's outbound audio writes.
// It accumulates audio bytes handed to it over audioOut and drains whole
// 320-byte frames to the PBX on a fixed 20 ms ticker, so pacing sleeps never
// share a goroutine with (and therefore never block) the agent WS read loop.
// clearAudio drops whatever's pending immediately, ahead of the next tick.
func (l *leg) pacer(ctx context.Context) error {
	frameMS := l.cfg.PacingFrameMS
	if frameMS <= 0 {
		frameMS = 20
	}
	ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
	defer ticker.Stop()

	pending := make([]byte, 0, PCM8kFrameBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clearAudio:
			pending = pending[:0]
		case chunk := <-l.audioOut:
			pending = append(pending, chunk...)
		case <-ticker.C:
			if l.dropUntilNextResponse.Load() || len(pending) < PCM8kFrameBytes {
				continue
			}
			frame := pending[:PCM8kFrameBytes]
			if err := WriteFrame(l.conn, FrameAudio, frame); err != nil {
				return fmt.Errorf("pbx write audio: %w", err)
			}
			pending = pending[PCM8kFrameBytes:]
		}
	}
}

func (l *leg) sendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.ws.Write(ctx, websocket.MessageText, data)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

