// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram Speak streaming WebSocket API. It implements the tts.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/voxhire/voxhire/pkg/provider/tts"
	"github.com/voxhire/voxhire/pkg/types"
)

const (
	speakEndpoint     = "wss://api.deepgram.com/v1/speak"
	defaultVoice      = "aura-2-thalia-en"
	defaultEncoding   = "linear16"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithSampleRate sets the PCM output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEncoding sets the audio output encoding (e.g., "linear16", "mulaw").
func WithEncoding(encoding string) Option {
	return func(p *Provider) {
		p.encoding = encoding
	}
}

// Provider implements tts.Provider backed by the Deepgram Speak streaming API.
type Provider struct {
	apiKey     string
	encoding   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// speakMessage is the JSON control payload sent to Deepgram for each text fragment.
type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// controlResponse is a JSON control message received over the WebSocket.
// Audio arrives as binary frames; control messages are text frames.
type controlResponse struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SynthesizeStream opens a WebSocket to Deepgram Speak, pipes text fragments
// from the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	model := voice.ID
	if model == "" {
		model = defaultVoice
	}

	wsURL, err := p.buildURL(model)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: dial: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Reader goroutine: binary frames carry PCM, text frames carry control JSON.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				msgType, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if msgType == websocket.MessageBinary {
					select {
					case audioCh <- msg:
					case <-ctx.Done():
						return
					}
					continue
				}
				var resp controlResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				// Flushed marks the end of audio for all text sent so far.
				if resp.Type == "Flushed" {
					return
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed: flush pending synthesis and drain audio.
					flush, _ := json.Marshal(speakMessage{Type: "Flush"})
					_ = conn.Write(ctx, websocket.MessageText, flush)
					select {
					case <-readDone:
					case <-ctx.Done():
					}
					return
				}
				if sentence == "" {
					continue
				}
				payload, _ := json.Marshal(speakMessage{Type: "Speak", Text: sentence})
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// buildURL constructs the Speak endpoint URL for the given voice model.
func (p *Provider) buildURL(model string) (string, error) {
	u, err := url.Parse(speakEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", p.encoding)
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// auraVoices is the static Aura 2 voice catalogue. Deepgram has no voice-list
// API; the set changes only with provider releases.
var auraVoices = []types.VoiceProfile{
	{ID: "aura-2-thalia-en", Name: "Thalia", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "language": "en"}},
	{ID: "aura-2-andromeda-en", Name: "Andromeda", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "language": "en"}},
	{ID: "aura-2-helena-en", Name: "Helena", Provider: "deepgram", Metadata: map[string]string{"gender": "female", "language": "en"}},
	{ID: "aura-2-apollo-en", Name: "Apollo", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "language": "en"}},
	{ID: "aura-2-arcas-en", Name: "Arcas", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "language": "en"}},
	{ID: "aura-2-orion-en", Name: "Orion", Provider: "deepgram", Metadata: map[string]string{"gender": "male", "language": "en"}},
}

// ListVoices returns the known Aura voice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, len(auraVoices))
	copy(out, auraVoices)
	return out, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
