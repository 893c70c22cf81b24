package orchestrator

// EndpointState is the endpointing state machine's current phase.
type EndpointState string

const (
	// EndpointIdle: no user speech accumulated, waiting for VADSpeechStart.
	EndpointIdle EndpointState = "idle"
	// EndpointSpeaking: actively accumulating a user utterance.
	EndpointSpeaking EndpointState = "speaking"
	// EndpointFinalize: silence hold elapsed while speaking; the buffered
	// utterance is ready to be handed to STT.
	EndpointFinalize EndpointState = "finalize"
)

// Endpointer turns a stream of VAD classifications into user-turn
// boundaries, separately from barge-in detection. It mirrors
// original_source's audio_receiver_task: a chunk below MinAudioEnergy is
// always silence for endpointing purposes, speech must hold for
// MinSpeechDurationMS before the utterance counts, and
// VADSilenceTimeoutMS of trailing silence finalizes it. Barge-in is
// tracked by a counter that only arms while the caller reports the bot is
// speaking (see ArmBargein/DisarmBargein) — finalization logic never feeds
// it.
type Endpointer struct {
	cfg   Config
	state EndpointState

	chunkMS           int
	minSpeechChunks   int
	silenceForEOSChunks int

	speechChunks  int
	silentChunks  int

	bargeinArmed   bool
	bargeinChunks  int
}

// NewEndpointer builds an Endpointer from Config, assuming chunkMS is the
// duration each Process call represents (the relay's VAD frame size).
func NewEndpointer(cfg Config, chunkMS int) *Endpointer {
	if chunkMS <= 0 {
		chunkMS = 20
	}
	return &Endpointer{
		cfg:                 cfg,
		state:               EndpointIdle,
		chunkMS:             chunkMS,
		minSpeechChunks:     max1(cfg.MinSpeechDurationMS / chunkMS),
		silenceForEOSChunks: max1(cfg.VADSilenceTimeoutMS / chunkMS),
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// ArmBargein enables barge-in counting (call when the bot starts speaking)
// and DisarmBargein disables it and resets the counter (call on turn end).
func (e *Endpointer) ArmBargein() {
	e.bargeinArmed = true
	e.bargeinChunks = 0
}

func (e *Endpointer) DisarmBargein() {
	e.bargeinArmed = false
	e.bargeinChunks = 0
}

// EndpointResult reports what the Endpointer concluded about one chunk.
type EndpointResult struct {
	State        EndpointState
	TurnStarted  bool // VADSpeechStart -> EndpointSpeaking transition this chunk
	TurnFinal    bool // silence hold elapsed; utterance ready
	Bargein      bool // barge-in threshold crossed this chunk
}

// Process advances the state machine with one VAD chunk classification.
// isSpeech should already reflect the energy gate (see EnergyVAD); botSpeaking
// tells the endpointer whether barge-in counting should run this chunk.
func (e *Endpointer) Process(isSpeech bool, botSpeaking bool) EndpointResult {
	var res EndpointResult

	if isSpeech && e.bargeinArmed && botSpeaking {
		e.bargeinChunks++
		if e.bargeinChunks >= e.cfg.MinBargeinSpeechChunks {
			res.Bargein = true
		}
	} else if e.bargeinArmed {
		e.bargeinChunks = 0
	}

	switch e.state {
	case EndpointIdle:
		if isSpeech {
			e.speechChunks = 1
			e.silentChunks = 0
			e.state = EndpointSpeaking
			res.TurnStarted = true
		}
	case EndpointSpeaking:
		if isSpeech {
			e.speechChunks++
			e.silentChunks = 0
		} else {
			e.silentChunks++
			if e.silentChunks >= e.silenceForEOSChunks {
				e.state = EndpointFinalize
				if e.speechChunks >= e.minSpeechChunks {
					res.TurnFinal = true
				} else {
					// too short to count as an utterance; drop silently
					e.reset()
					res.TurnFinal = false
				}
			}
		}
	case EndpointFinalize:
		// caller must call Reset() after consuming the finalized turn
	}

	res.State = e.state
	return res
}

// Reset returns the endpointer to Idle, ready for the next utterance.
func (e *Endpointer) Reset() {
	e.reset()
}

func (e *Endpointer) reset() {
	e.state = EndpointIdle
	e.speechChunks = 0
	e.silentChunks = 0
}

// State returns the current phase.
func (e *Endpointer) State() EndpointState {
	return e.state
}
