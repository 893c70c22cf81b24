package audio

import "encoding/binary"

// LinearResampler converts 16-bit PCM between two fixed sample rates using
// linear interpolation, carrying its fractional read position and trailing
// sample across Resample calls so a chunk boundary never introduces a
// click — a stateless per-chunk resample (restarting at position 0 and
// with no left-hand sample every call) clicks at every frame edge.
// Generalizes original_source's batch resample_pcm8k_to_pcm16k_scipy, which
// only ever ran once over a whole utterance, into a streaming form safe to
// call once per relay frame.
type LinearResampler struct {
	srcRate int
	dstRate int

	pos     float64 // fractional read position into [carry, samples...]
	carry   int16   // last input sample of the previous call
	hasCarry bool
}

// NewLinearResampler builds a resampler from srcRate to dstRate. Either may
// be 0 and set later via SetSourceRate when the rate isn't known until the
// first message arrives (e.g. the agent's audio_response sample_rate
// field).
func NewLinearResampler(srcRate, dstRate int) *LinearResampler {
	return &LinearResampler{srcRate: srcRate, dstRate: dstRate}
}

// SetSourceRate updates the input rate, e.g. once the agent's first
// audio_response message reports its sample_rate.
func (r *LinearResampler) SetSourceRate(rate int) {
	if rate != r.srcRate {
		r.Reset()
	}
	r.srcRate = rate
}

func (r *LinearResampler) SourceRate() int { return r.srcRate }
func (r *LinearResampler) DestRate() int   { return r.dstRate }

// Aligned reports whether pcm is a whole number of 16-bit samples. Callers
// that receive audio from an untrusted source (the agent WebSocket, unlike
// the PBX wire which is frame-size-guaranteed) should check this before
// calling Resample and log orchestrator.ErrResamplerInputMisaligned on
// failure per spec.md §7 — Resample itself silently drops the trailing odd
// byte and keeps going, since the stateful filter recovers on the next
// chunk regardless.
func (r *LinearResampler) Aligned(pcm []byte) bool {
	return len(pcm)%2 == 0
}

// Resample converts one chunk of little-endian 16-bit PCM from srcRate to
// dstRate. Internally it treats the stream as [carry-sample-from-last-call,
// this chunk's samples...] so the first output sample of a chunk can
// interpolate against the last sample of the previous one.
func (r *LinearResampler) Resample(pcm []byte) []byte {
	if r.srcRate == 0 || r.dstRate == 0 || r.srcRate == r.dstRate {
		return pcm
	}

	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	frame := make([]int16, 0, n+1)
	if r.hasCarry {
		frame = append(frame, r.carry)
	}
	for i := 0; i < n; i++ {
		frame = append(frame, int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	ratio := float64(r.srcRate) / float64(r.dstRate)
	last := len(frame) - 1

	var out []int16
	pos := r.pos
	for int(pos) < last {
		idx := int(pos)
		frac := pos - float64(idx)
		a, b := frame[idx], frame[idx+1]
		sample := float64(a) + frac*float64(b-a)
		out = append(out, int16(sample))
		pos += ratio
	}

	r.pos = pos - float64(last)
	r.carry = frame[last]
	r.hasCarry = true

	result := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(result[i*2:], uint16(s))
	}
	return result
}

// Reset clears the carried fractional position and interpolation memory,
// for reuse across calls (e.g. a resampler pooled across sessions).
func (r *LinearResampler) Reset() {
	r.pos = 0
	r.carry = 0
	r.hasCarry = false
}
