package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/voxhire/voxhire/pkg/audio"
)

// pcm16 packs int16 samples into little-endian bytes.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// samples16 unpacks little-endian bytes into int16 samples.
func samples16(t *testing.T, pcm []byte) []int16 {
	t.Helper()
	if len(pcm)%2 != 0 {
		t.Fatalf("pcm byte count %d is not int16-aligned", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestMonoToStereo(t *testing.T) {
	got := samples16(t, audio.MonoToStereo(pcm16(100, -200, 300)))
	want := []int16{100, 100, -200, -200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("sample count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo_TrailingByteIgnored(t *testing.T) {
	in := append(pcm16(42), 0x7F)
	got := audio.MonoToStereo(in)
	if len(got) != 4 {
		t.Errorf("output bytes = %d, want 4 (one stereo pair)", len(got))
	}
}

func TestStereoToMono_Averages(t *testing.T) {
	got := samples16(t, audio.StereoToMono(pcm16(100, 300, -50, -150)))
	if got[0] != 200 {
		t.Errorf("first sample = %d, want 200", got[0])
	}
	if got[1] != -100 {
		t.Errorf("second sample = %d, want -100", got[1])
	}
}

func TestStereoToMono_ClampsAtInt16Range(t *testing.T) {
	got := samples16(t, audio.StereoToMono(pcm16(32767, 32767)))
	if got[0] != 32767 {
		t.Errorf("clamped sample = %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRatePassesThrough(t *testing.T) {
	in := pcm16(1, 2, 3)
	out := audio.ResampleMono16(in, 24000, 24000)
	if &in[0] != &out[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestResampleMono16_Doubles(t *testing.T) {
	out := audio.ResampleMono16(pcm16(0, 1000, 2000, 3000), 24000, 48000)
	got := samples16(t, out)
	if len(got) != 8 {
		t.Fatalf("sample count = %d, want 8", len(got))
	}
	// Interpolated midpoints sit halfway between neighbours.
	if got[0] != 0 || got[1] != 500 || got[2] != 1000 {
		t.Errorf("leading samples = %v, want 0, 500, 1000", got[:3])
	}
}

func TestResampleMono16_Halves(t *testing.T) {
	out := audio.ResampleMono16(pcm16(0, 100, 200, 300, 400, 500), 48000, 24000)
	got := samples16(t, out)
	if len(got) != 3 {
		t.Fatalf("sample count = %d, want 3", len(got))
	}
	if got[0] != 0 || got[1] != 200 || got[2] != 400 {
		t.Errorf("samples = %v, want 0, 200, 400", got)
	}
}

func TestResampleMono16_BadRatesPassThrough(t *testing.T) {
	in := pcm16(7, 8)
	for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 48000}} {
		out := audio.ResampleMono16(in, rates[0], rates[1])
		if len(out) != len(in) {
			t.Errorf("rates %v: output bytes = %d, want %d", rates, len(out), len(in))
		}
	}
}

func TestResampleStereo16_Doubles(t *testing.T) {
	out := audio.ResampleStereo16(pcm16(0, 100, 1000, 1100), 24000, 48000)
	got := samples16(t, out)
	if len(got) != 8 {
		t.Fatalf("sample count = %d, want 8", len(got))
	}
	// Channels interpolate independently.
	if got[2] != 500 || got[3] != 600 {
		t.Errorf("interpolated pair = %d,%d, want 500,600", got[2], got[3])
	}
}

func TestResampleStereo16_BadRatesPassThrough(t *testing.T) {
	in := pcm16(1, 2, 3, 4)
	if out := audio.ResampleStereo16(in, 0, 48000); len(out) != len(in) {
		t.Errorf("zero src rate: output bytes = %d, want %d", len(out), len(in))
	}
	if out := audio.ResampleStereo16(in, 48000, 0); len(out) != len(in) {
		t.Errorf("zero dst rate: output bytes = %d, want %d", len(out), len(in))
	}
}

func TestFormatConverter_MatchingFormatIsZeroCopy(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	in := audio.AudioFrame{Data: pcm16(5, 6), SampleRate: 48000, Channels: 1}
	out := conv.Convert(in)
	if &in.Data[0] != &out.Data[0] {
		t.Error("matching format should pass the frame through unchanged")
	}
}

func TestFormatConverter_SynthesisToTransport(t *testing.T) {
	// 24kHz mono synthesis output converted for a 48kHz mono transport.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{
		Data:       pcm16(0, 1000, 2000, 3000),
		SampleRate: 24000,
		Channels:   1,
		Timestamp:  250 * time.Millisecond,
	})
	if out.SampleRate != 48000 || out.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 48000Hz/1ch", out.SampleRate, out.Channels)
	}
	if len(out.Data) != 16 {
		t.Errorf("output bytes = %d, want 16", len(out.Data))
	}
	if out.Timestamp != 250*time.Millisecond {
		t.Errorf("timestamp = %v, want 250ms", out.Timestamp)
	}
}

func TestFormatConverter_StereoCaptureToMono(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{
		Data:       pcm16(100, 300, 400, 600),
		SampleRate: 48000,
		Channels:   2,
	})
	got := samples16(t, out.Data)
	if len(got) != 2 || got[0] != 200 || got[1] != 500 {
		t.Errorf("downmixed samples = %v, want [200 500]", got)
	}
}

func TestFormatConverter_MisalignedFrameEmptied(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 24000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("misaligned frame produced %d bytes, want 0", len(out.Data))
	}
	if out.SampleRate != 48000 {
		t.Errorf("emptied frame rate = %d, want target rate", out.SampleRate)
	}
}

func TestConvertStream(t *testing.T) {
	in := make(chan audio.AudioFrame, 4)
	out := audio.ConvertStream(in, audio.Format{SampleRate: 48000, Channels: 1})

	in <- audio.AudioFrame{Data: pcm16(100, 300), SampleRate: 48000, Channels: 2}
	in <- audio.AudioFrame{Data: []byte{0x01}, SampleRate: 48000, Channels: 1} // dropped
	in <- audio.AudioFrame{Data: pcm16(7), SampleRate: 48000, Channels: 1}
	close(in)

	var frames []audio.AudioFrame
	for frame := range out {
		frames = append(frames, frame)
	}
	if len(frames) != 2 {
		t.Fatalf("forwarded frames = %d, want 2 (misaligned frame dropped)", len(frames))
	}
	if got := samples16(t, frames[0].Data); got[0] != 200 {
		t.Errorf("downmixed sample = %d, want 200", got[0])
	}
}
