package main

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxhire/voxhire/internal/config"
	"github.com/voxhire/voxhire/internal/resilience"
	"github.com/voxhire/voxhire/pkg/audio"
	"github.com/voxhire/voxhire/pkg/audio/webrtc"
	"github.com/voxhire/voxhire/pkg/provider/embeddings"
	ollamaembed "github.com/voxhire/voxhire/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxhire/voxhire/pkg/provider/embeddings/openai"
	"github.com/voxhire/voxhire/pkg/provider/llm"
	"github.com/voxhire/voxhire/pkg/provider/llm/anyllm"
	oallm "github.com/voxhire/voxhire/pkg/provider/llm/openai"
	"github.com/voxhire/voxhire/pkg/provider/stt"
	sttdeepgram "github.com/voxhire/voxhire/pkg/provider/stt/deepgram"
	"github.com/voxhire/voxhire/pkg/provider/stt/whisper"
	"github.com/voxhire/voxhire/pkg/provider/tts"
	"github.com/voxhire/voxhire/pkg/provider/tts/coqui"
	ttsdeepgram "github.com/voxhire/voxhire/pkg/provider/tts/deepgram"
	"github.com/voxhire/voxhire/pkg/provider/tts/elevenlabs"
)

// Providers holds the instantiated pipeline providers.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	Audio      audio.Platform
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// The openai entry uses the native client; the rest of the hosted LLM
	// vendors share the any-llm gateway pattern of API key plus base URL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// ollama is a local server; it uses BaseURL for the address, not a key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttdeepgram.WithLanguage(lang))
		}
		return sttdeepgram.New(entry.APIKey, opts...)
	})
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if p := optString(entry.Options, "model_path"); p != "" {
			modelPath = p
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsdeepgram.Option
		if enc := optString(entry.Options, "encoding"); enc != "" {
			opts = append(opts, ttsdeepgram.WithEncoding(enc))
		}
		return ttsdeepgram.New(entry.APIKey, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	reg.RegisterAudio("webrtc", func(entry config.ProviderEntry) (audio.Platform, error) {
		var opts []webrtc.Option
		if stun := optString(entry.Options, "stun_server"); stun != "" {
			opts = append(opts, webrtc.WithSTUNServers(stun))
		}
		return webrtc.New(opts...), nil
	})
}

// buildProviders instantiates every provider named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := buildLLM(cfg.Providers.LLM, reg)
		if err != nil {
			return nil, err
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}
	if name := cfg.Providers.STT.Name; name != "" {
		p, err := buildSTT(cfg.Providers.STT, reg)
		if err != nil {
			return nil, err
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}
	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := buildTTS(cfg.Providers.TTS, reg)
		if err != nil {
			return nil, err
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, wrapCreate("embeddings", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}
	if name := cfg.Providers.Audio.Name; name != "" {
		p, err := reg.CreateAudio(cfg.Providers.Audio)
		if err != nil {
			return nil, wrapCreate("audio", name, err)
		}
		ps.Audio = p
		slog.Info("provider created", "kind", "audio", "name", name)
	}
	return ps, nil
}

// buildLLM, buildSTT and buildTTS create the primary provider and, when the
// entry lists fallbacks, wrap it in a circuit-breaking fallback chain.

func buildLLM(entry config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, wrapCreate("llm", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, wrapCreate("llm", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
		slog.Info("fallback provider created", "kind", "llm", "name", fb.Name)
	}
	return chain, nil
}

func buildSTT(entry config.ProviderEntry, reg *config.Registry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, wrapCreate("stt", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewSTTFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, wrapCreate("stt", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
		slog.Info("fallback provider created", "kind", "stt", "name", fb.Name)
	}
	return chain, nil
}

func buildTTS(entry config.ProviderEntry, reg *config.Registry) (tts.Provider, error) {
	primary, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, wrapCreate("tts", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	chain := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, wrapCreate("tts", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
		slog.Info("fallback provider created", "kind", "tts", "name", fb.Name)
	}
	return chain, nil
}

func wrapCreate(kind, name string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return usageErrorf("unknown %s provider %q", kind, name)
	}
	return fmt.Errorf("create %s provider %q: %w", kind, name, err)
}

// optString extracts a string from a provider Options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
