package relay

// Agent WebSocket JSON message shapes (spec.md §6) used by the relay's
// WebSocket client (dialing out to the agent). pkg/agentserver's WebSocket
// handler declares its own copies of the same shapes.

// AudioDataMessage is sent relay->agent for each upsampled PBX audio frame.
type AudioDataMessage struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

// HangupMessage is sent in either direction to end the call.
type HangupMessage struct {
	Type string `json:"type"`
}

// AudioResponseMessage is sent agent->relay with synthesized speech.
type AudioResponseMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// TranscriptMessage is sent agent->relay informationally when a user
// utterance is transcribed.
type TranscriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// InterruptMessage is sent agent->relay the instant barge-in fires, telling
// the relay to drop its pacing buffer.
type InterruptMessage struct {
	Type string `json:"type"`
}

// envelope is used to sniff an inbound message's "type" field before
// unmarshaling into the concrete shape.
type envelope struct {
	Type string `json:"type"`
}

const (
	msgTypeAudioData     = "audio_data"
	msgTypeHangup        = "hangup"
	msgTypeAudioResponse = "audio_response"
	msgTypeTranscript    = "transcript"
	msgTypeInterrupt     = "interrupt"
)
