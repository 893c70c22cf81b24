package orchestrator

import "errors"

var (
	// ErrEmptyTranscription is returned when STT produces no usable text.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrTranscriptionFailed wraps a failed STT call.
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	// ErrLLMFailed wraps a failed LLM completion.
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrTTSFailed wraps a failed TTS synthesis.
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	// ErrNilProvider is returned when a required provider was never set.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrContextCancelled is returned when an operation observes ctx.Done()
	// before completing.
	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrBadHandshake is returned when the AudioSocket handshake frame is
	// missing, the wrong type, or the wrong length.
	ErrBadHandshake = errors.New("audiosocket: invalid handshake frame")

	// ErrUnknownFrameType is returned for an AudioSocket frame type byte
	// outside {hangup, uuid, audio}.
	ErrUnknownFrameType = errors.New("audiosocket: unknown frame type")

	// ErrConnectionClosed is returned when a read/write is attempted on a
	// relay leg that has already torn down.
	ErrConnectionClosed = errors.New("relay: connection closed")

	// ErrUnsupportedAudioFormat is returned when an inbound audio_data
	// message names a format other than pcm16k.
	ErrUnsupportedAudioFormat = errors.New("protocol: unsupported audio format")

	// ErrResamplerInputMisaligned is returned when a resampler is fed a byte
	// slice that isn't a whole number of 16-bit samples.
	ErrResamplerInputMisaligned = errors.New("resampler: input length not a multiple of sample size")

	// ErrSessionNotFound is returned when an admin API request names a
	// session_id with no active or persisted call.
	ErrSessionNotFound = errors.New("store: session not found")
)
