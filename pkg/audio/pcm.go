package audio

import "time"

// DownconvertTo16 reduces 24- or 32-bit little-endian integer PCM to 16-bit
// by arithmetic shift with saturation. 16-bit input is returned unchanged.
// Trailing bytes that do not fill a whole sample are dropped.
func DownconvertTo16(pcm []byte, bitsPerSample int) []byte {
	switch bitsPerSample {
	case 16:
		return pcm
	case 24:
		samples := len(pcm) / 3
		out := make([]byte, samples*2)
		for i := 0; i < samples; i++ {
			// Sign-extend the 24-bit sample, then shift out the low byte.
			v := int32(pcm[i*3]) | int32(pcm[i*3+1])<<8 | int32(int8(pcm[i*3+2]))<<16
			out[i*2] = byte(v >> 8)
			out[i*2+1] = byte(v >> 16)
		}
		return out
	case 32:
		samples := len(pcm) / 4
		out := make([]byte, samples*2)
		for i := 0; i < samples; i++ {
			v := int32(pcm[i*4]) | int32(pcm[i*4+1])<<8 | int32(pcm[i*4+2])<<16 | int32(pcm[i*4+3])<<24
			s := v >> 16
			out[i*2] = byte(s)
			out[i*2+1] = byte(s >> 8)
		}
		return out
	default:
		return pcm
	}
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Silence returns d of 16-bit mono PCM silence at sampleRate. The result
// always holds a whole number of samples.
func Silence(d time.Duration, sampleRate int) []byte {
	if d <= 0 || sampleRate <= 0 {
		return nil
	}
	samples := int(int64(sampleRate) * d.Milliseconds() / 1000)
	return make([]byte, samples*2)
}
