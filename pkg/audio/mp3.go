package audio

import "time"

// MPEG-1 Layer III bitrate table (kbit/s), index 1–14.
var mp3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}

// MPEG-1 sample rate table.
var mp3SampleRates = [4]int{44100, 48000, 32000, 0}

// samplesPerFrame is fixed for MPEG-1 Layer III.
const samplesPerFrame = 1152

// EstimateMP3Duration walks MPEG-1 Layer III frame headers and sums their
// play time without decoding any audio. Unsyncable bytes (ID3 tags, junk) are
// skipped. Returns zero when no valid frame is found.
func EstimateMP3Duration(data []byte) time.Duration {
	var totalSamples int64
	var sampleRate int

	i := 0
	// Skip a leading ID3v2 tag if present.
	if len(data) >= 10 && string(data[0:3]) == "ID3" {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		i = 10 + size
	}

	for i+4 <= len(data) {
		if data[i] != 0xff || data[i+1]&0xe0 != 0xe0 {
			i++
			continue
		}
		// MPEG-1 Layer III only.
		if data[i+1]&0x18 != 0x18 || data[i+1]&0x06 != 0x02 {
			i++
			continue
		}
		bitrate := mp3Bitrates[data[i+2]>>4]
		rate := mp3SampleRates[(data[i+2]>>2)&0x03]
		if bitrate == 0 || rate == 0 {
			i++
			continue
		}
		padding := int(data[i+2] >> 1 & 0x01)

		frameLen := 144*bitrate*1000/rate + padding
		totalSamples += samplesPerFrame
		sampleRate = rate
		i += frameLen
	}

	if sampleRate == 0 {
		return 0
	}
	return time.Duration(totalSamples * int64(time.Second) / int64(sampleRate))
}

// silentFrame is one MPEG-1 Layer III frame header (128 kbit/s, 44.1 kHz,
// mono) followed by a zeroed payload. Decoders render it as silence.
var silentFrame = func() []byte {
	frame := make([]byte, 417)
	frame[0] = 0xff
	frame[1] = 0xfb // MPEG-1 Layer III, no CRC
	frame[2] = 0x90 // 128 kbit/s, 44.1 kHz, no padding
	frame[3] = 0xc4 // mono
	return frame
}()

// silentFrameDuration is the play time of one [silentFrame].
const silentFrameDuration = time.Duration(samplesPerFrame * int64(time.Second) / 44100)

// SilentMP3 returns a valid MP3 stream of silence lasting at least d.
// Used when a provider fails mid-synthesis and the gateway is configured to
// keep legacy clients alive with a silent payload.
func SilentMP3(d time.Duration) []byte {
	frames := int(d / silentFrameDuration)
	if frames < 1 {
		frames = 1
	}
	out := make([]byte, 0, frames*len(silentFrame))
	for i := 0; i < frames; i++ {
		out = append(out, silentFrame...)
	}
	return out
}
