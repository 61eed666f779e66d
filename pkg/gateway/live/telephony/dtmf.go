package telephony

import (
	"fmt"
	"math"
	"regexp"
)

const (
	SampleRate    = 8000
	FrameDuration = 20 // ms
	FrameBytes    = SampleRate * FrameDuration / 1000

	toneFrames       = 5  // 100ms
	gapFrames        = 3  // 60ms
	shortPauseFrames = 25 // w: 500ms
	longPauseFrames  = 50 // W: 1s

	toneAmplitude = 0.35 * math.MaxInt16 / 2
)

// SilenceByte is μ-law encoded zero.
const SilenceByte = 0xFF

var digitsPattern = regexp.MustCompile(`^[0-9*#A-DwW]+$`)

var dtmfFrequencies = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// ValidDigits reports whether digits only uses 0-9 * # A-D and the w/W pause markers.
func ValidDigits(digits string) bool {
	return digitsPattern.MatchString(digits)
}

// DTMFFrames renders digits as 20ms μ-law frames for in-band playback.
func DTMFFrames(digits string) ([][]byte, error) {
	if !ValidDigits(digits) {
		return nil, fmt.Errorf("invalid dtmf digits %q", digits)
	}
	frames := make([][]byte, 0, len(digits)*(toneFrames+gapFrames))
	for _, d := range digits {
		switch d {
		case 'w':
			frames = appendSilence(frames, shortPauseFrames)
			continue
		case 'W':
			frames = appendSilence(frames, longPauseFrames)
			continue
		}
		freqs := dtmfFrequencies[d]
		for f := 0; f < toneFrames; f++ {
			frame := make([]byte, FrameBytes)
			for i := range frame {
				n := float64(f*FrameBytes + i)
				s := math.Sin(2*math.Pi*freqs[0]*n/SampleRate) + math.Sin(2*math.Pi*freqs[1]*n/SampleRate)
				frame[i] = linearToMulaw(int16(s * toneAmplitude))
			}
			frames = append(frames, frame)
		}
		frames = appendSilence(frames, gapFrames)
	}
	return frames, nil
}

// SilenceFrames returns n frames of μ-law silence.
func SilenceFrames(n int) [][]byte {
	return appendSilence(nil, n)
}

func appendSilence(frames [][]byte, n int) [][]byte {
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameBytes)
		for j := range frame {
			frame[j] = SilenceByte
		}
		frames = append(frames, frame)
	}
	return frames
}

// linearToMulaw is the G.711 μ-law companding of one 16-bit sample.
func linearToMulaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias
	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
