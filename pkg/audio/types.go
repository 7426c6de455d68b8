package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the candidate's
// input stream, forwarded to STT, and played back through the output stream.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 24000 for Aura synthesis output).
	SampleRate int

	// Channels: 1 for mono (STT input and TTS output), 2 for stereo capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
