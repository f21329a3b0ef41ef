package audio

// Resampler converts mono PCM between sample rates with linear interpolation.
// Interpolation phase and the last input sample carry across calls, so a
// stream split into arbitrary frames resamples the same as one contiguous
// buffer.
type Resampler struct {
	outRate int
	inRate  int
	step    float64
	pos     float64
	last    int16
	primed  bool
}

func NewResampler(outRate int) *Resampler {
	return &Resampler{outRate: outRate}
}

// Process resamples in (recorded at inRate) and appends the result to dst.
func (r *Resampler) Process(dst []int16, in []int16, inRate int) []int16 {
	if len(in) == 0 || inRate <= 0 {
		return dst
	}
	if inRate != r.inRate {
		r.inRate = inRate
		r.step = float64(inRate) / float64(r.outRate)
		if r.primed {
			r.pos = 1
		}
	}
	if inRate == r.outRate {
		r.last = in[len(in)-1]
		r.primed = true
		r.pos = 1
		return append(dst, in...)
	}
	if !r.primed {
		// Position 0 is the carried sample; seed it with the first input so
		// the first output lands exactly on in[0].
		r.last = in[0]
		r.primed = true
		r.pos = 1
	}
	n := float64(len(in))
	for r.pos < n {
		i := int(r.pos)
		frac := r.pos - float64(i)
		var a int16
		if i == 0 {
			a = r.last
		} else {
			a = in[i-1]
		}
		b := in[i]
		if frac == 0 {
			dst = append(dst, a)
		} else {
			dst = append(dst, clamp16(float64(a)+(float64(b)-float64(a))*frac))
		}
		r.pos += r.step
	}
	r.pos -= n
	r.last = in[len(in)-1]
	return dst
}

func (r *Resampler) Reset() {
	r.inRate = 0
	r.step = 0
	r.pos = 0
	r.last = 0
	r.primed = false
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	if v >= 0 {
		return int16(v + 0.5)
	}
	return int16(v - 0.5)
}
