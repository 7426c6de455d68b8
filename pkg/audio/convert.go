package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form like "48000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter normalises AudioFrames to a target format. The interview
// pipeline crosses several sample rates (synthesis output, transport, capture),
// so each boundary gets its own converter. Not safe for concurrent use.
type FormatConverter struct {
	Target Format

	mismatchOnce sync.Once
	corruptOnce  sync.Once
}

// Convert returns frame normalised to the target format. A frame already in
// the target format passes through untouched. Frames whose byte count is not
// int16-aligned are replaced by an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("dropping misaligned PCM frame",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	src := Format{frame.SampleRate, frame.Channels}
	if src == c.Target {
		return frame
	}

	c.mismatchOnce.Do(func() {
		slog.Warn("audio format mismatch, converting", "from", src, "to", c.Target)
	})

	pcm := frame.Data
	// Resample before any channel change so stereo input is never resampled
	// twice the long way around.
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, src.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream converts every frame arriving on in to the target format.
// The returned channel closes when in closes. Empty frames (from misaligned
// input) are dropped rather than forwarded.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			if converted := conv.Convert(frame); len(converted.Data) > 0 {
				out <- converted
			}
		}
	}()
	return out
}

func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample16(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

// MonoToStereo duplicates each mono sample into an L+R pair. Input is
// little-endian int16 PCM; a trailing odd byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := range samples {
		s := sample16(pcm, i)
		putSample16(out, i*2, s)
		putSample16(out, i*2+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample, clamping to the
// int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample16(pcm, i*2)) + int32(sample16(pcm, i*2+1))) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		putSample16(out, i, int16(avg))
	}
	return out
}

// ResampleMono16 resamples little-endian int16 mono PCM from srcRate to
// dstRate by linear interpolation. Equal or non-positive rates return the
// input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample16(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample16(pcm, idx+1)
		}
		putSample16(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// ResampleStereo16 resamples little-endian int16 stereo PCM (L+R interleaved)
// from srcRate to dstRate by per-channel linear interpolation. Equal or
// non-positive rates return the input unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		l0, r0 := sample16(pcm, idx*2), sample16(pcm, idx*2+1)
		l1, r1 := l0, r0
		if idx+1 < srcFrames {
			l1, r1 = sample16(pcm, (idx+1)*2), sample16(pcm, (idx+1)*2+1)
		}
		putSample16(out, i*2, int16(float64(l0)*(1-frac)+float64(l1)*frac))
		putSample16(out, i*2+1, int16(float64(r0)*(1-frac)+float64(r1)*frac))
	}
	return out
}
