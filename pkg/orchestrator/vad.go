package orchestrator

import (
	"math"
	"time"
)

// RMSVAD is a simple Root Mean Square based Voice Activity Detector
// It's useful as a lightweight, no-dependency default.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	// Hysteresis and confirmed speech detection
	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64
}

// NewRMSVAD creates a new RMS-based VAD
func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7, // Require ~70-100ms of continuous sound to trigger snappier barge-in
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm speech start
func (v *RMSVAD) SetMinConfirmed(count int) {
	v.minConfirmed = count
}

// SetThreshold updates the RMS threshold
func (v *RMSVAD) SetThreshold(threshold float64) {
	v.threshold = threshold
}

// Threshold returns the current RMS threshold
func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

// LastRMS returns the RMS of the last processed chunk
func (v *RMSVAD) LastRMS() float64 {
	return v.lastRMS
}

// IsSpeaking returns true if speech is currently detected
func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

func (v *RMSVAD) Process(chunk []byte) (*VADEvent, error) {
	rms := v.calculateRMS(chunk)
	v.lastRMS = rms
	now := time.Now()

	if rms > v.threshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			// Require a sequence of frames above threshold to filter out spikes and echo-onset pops
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				return &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}, nil
			}
			return nil, nil // Still confirming
		}
		v.silenceStart = time.Time{} // Reset silence timer
		return nil, nil
	}

	// Below threshold
	v.consecutiveFrames = 0

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}

		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}, nil
		}
	}

	return &VADEvent{Type: VADSilence, Timestamp: now.UnixMilli()}, nil
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
}

func (v *RMSVAD) Clone() VADProvider {
	return &RMSVAD{
		threshold:    v.threshold,
		silenceLimit: v.silenceLimit,
		minConfirmed: v.minConfirmed,
	}
}

func (v *RMSVAD) calculateRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}

	var sum float64
	// Assuming 16-bit PCM (2 bytes per sample)
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}

// EnergyVAD applies a pre-emphasis filter before RMS-gating, matching the
// endpointing signal the relay's caller-audio leg uses. Chunks whose
// post-emphasis energy falls below minEnergy are always classified as
// silence regardless of threshold, so near-silent line noise never confirms
// speech (see original_source's apply_preemphasis + calculate_rms_energy).
type EnergyVAD struct {
	threshold    float64
	minEnergy    float64
	alpha        float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time
	lastSample   float64
	lastRMS      float64
	lastSpeech   bool
}

// NewEnergyVAD creates a pre-emphasis + RMS energy gated VAD using the
// tunables from Config (VADSpeechThreshold, MinAudioEnergy,
// PreemphasisAlpha, VADSilenceTimeoutMS).
func NewEnergyVAD(cfg Config) *EnergyVAD {
	return &EnergyVAD{
		threshold:    cfg.VADSpeechThreshold,
		minEnergy:    cfg.MinAudioEnergy,
		alpha:        cfg.PreemphasisAlpha,
		silenceLimit: time.Duration(cfg.VADSilenceTimeoutMS) * time.Millisecond,
	}
}

func (v *EnergyVAD) Process(chunk []byte) (*VADEvent, error) {
	energy := v.calculateEnergy(chunk)
	v.lastRMS = energy
	now := time.Now()

	speech := energy >= v.minEnergy && energy > v.threshold
	v.lastSpeech = speech

	if speech {
		if !v.isSpeaking {
			v.isSpeaking = true
			return &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}, nil
		}
		v.silenceStart = time.Time{}
		return nil, nil
	}

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}, nil
		}
	}

	return &VADEvent{Type: VADSilence, Timestamp: now.UnixMilli()}, nil
}

func (v *EnergyVAD) Name() string       { return "energy_vad" }
func (v *EnergyVAD) LastRMS() float64   { return v.lastRMS }
func (v *EnergyVAD) IsSpeaking() bool   { return v.isSpeaking }
func (v *EnergyVAD) Threshold() float64 { return v.threshold }

// LastSpeech reports whether the most recently processed chunk, on its own,
// cleared the energy gate — unlike IsSpeaking, it carries no silence-hold
// hysteresis, so it's what the endpointer's own utterance-boundary timing
// should drive off of.
func (v *EnergyVAD) LastSpeech() bool { return v.lastSpeech }

func (v *EnergyVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.lastSample = 0
}

func (v *EnergyVAD) Clone() VADProvider {
	return &EnergyVAD{
		threshold:    v.threshold,
		minEnergy:    v.minEnergy,
		alpha:        v.alpha,
		silenceLimit: v.silenceLimit,
	}
}

// calculateEnergy applies the first-order pre-emphasis filter
// y[n] = x[n] - alpha*x[n-1] across the chunk, carrying lastSample across
// calls so chunk boundaries don't introduce a filter discontinuity, then
// returns the RMS of the filtered signal.
func (v *EnergyVAD) calculateEnergy(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	n := 0
	prev := v.lastSample
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := float64(int16(chunk[i])|(int16(chunk[i+1])<<8)) / 32768.0
		filtered := sample - v.alpha*prev
		prev = sample
		sum += filtered * filtered
		n++
	}
	v.lastSample = prev

	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
