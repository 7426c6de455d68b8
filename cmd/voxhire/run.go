package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voxhire/voxhire/internal/codemonitor"
	"github.com/voxhire/voxhire/internal/config"
	"github.com/voxhire/voxhire/internal/control"
	"github.com/voxhire/voxhire/internal/observe"
	"github.com/voxhire/voxhire/internal/outcome"
	"github.com/voxhire/voxhire/internal/session"
	"github.com/voxhire/voxhire/pkg/audio"
	"github.com/voxhire/voxhire/pkg/audio/playback"
	"github.com/voxhire/voxhire/pkg/audio/webrtc"
)

// runSession wires the full pipeline for one interview and blocks until the
// session ends or a signal arrives.
func (c *cli) runSession(ctx context.Context, params session.Params) error {
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxhire"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	pv, err := buildProviders(c.cfg, reg)
	if err != nil {
		return err
	}
	if pv.LLM == nil || pv.STT == nil || pv.TTS == nil {
		return usageErrorf("llm, stt, and tts providers must be configured")
	}

	platform := pv.Audio
	if platform == nil {
		platform = webrtc.New()
	}

	// The editor surface drives a headless browser; without one the session
	// still runs, just blind to the candidate's code.
	var surface codemonitor.Surface
	if rodSurface, err := codemonitor.NewRodSurface(c.cfg.Monitor.Selectors); err != nil {
		slog.Warn("editor monitoring disabled", "error", err)
	} else {
		surface = rodSurface
	}

	// Interviewer speech flows player -> session connection -> candidate.
	var conn atomic.Value // audio.Connection
	player := playback.New(transportSink(ctx, &conn, audio.Format{SampleRate: 48000, Channels: 1}))
	defer player.Close()

	ctl := session.NewController(session.Deps{
		Cfg:        c.cfg,
		LLM:        pv.LLM,
		STT:        pv.STT,
		TTS:        pv.TTS,
		Player:     player,
		Embeddings: pv.Embeddings,
		Surface:    surface,
		Metrics:    metrics,
	})

	ctlSrv := control.NewServer(control.SocketPath(c.cfg.DataRoot), ctl)
	if err := ctlSrv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctlSrv.Close(); err != nil {
			slog.Warn("control socket close failed", "error", err)
		}
	}()

	stopHTTP := c.serveHTTP(ctx, platform, metrics)
	defer stopHTTP()

	sess, err := ctl.Start(ctx, params)
	if err != nil {
		return err
	}
	slog.Info("session started", "session_id", sess.ID(), "candidate", params.CandidateID)

	connection, err := platform.Connect(ctx, sess.ID())
	if err != nil {
		slog.Warn("audio transport unavailable", "error", err)
	} else {
		conn.Store(connection)
		go pumpCandidateAudio(ctx, connection, sess)
		defer func() {
			if err := connection.Disconnect(); err != nil {
				slog.Warn("audio disconnect failed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping session")
		sess.Stop()
	case <-sess.Done():
	}

	waitCtx, cancel := context.WithTimeout(context.Background(),
		c.cfg.ShutdownGrace.Std()+c.cfg.ExternalTimeout.Std())
	defer cancel()
	data, err := sess.Outcome(waitCtx)
	if err != nil {
		return fmt.Errorf("session %s produced no outcome: %w", sess.ID(), err)
	}

	fmt.Printf("outcome written to %s\n", outcome.OutcomePath(c.cfg.DataRoot, sess.ID()))
	var doc outcome.Document
	if err := json.Unmarshal(data, &doc); err == nil {
		fmt.Printf("recommendation: %s (overall %.1f)\n", doc.Recommendation, doc.Scores.Overall)
	}

	if sess.State() == session.StateFailed {
		return errors.New("session failed, see outcome document for details")
	}
	return nil
}

// transportSink returns the playback sink that forwards interviewer speech to
// the active transport connection. Synthesis output arrives at the provider's
// native rate (24kHz mono for Aura); the transport expects target, so frames
// are resampled on the way through.
func transportSink(ctx context.Context, conn *atomic.Value, target audio.Format) func(audio.AudioFrame) {
	converter := &audio.FormatConverter{Target: target}
	return func(frame audio.AudioFrame) {
		current, ok := conn.Load().(audio.Connection)
		if !ok {
			return
		}
		out := converter.Convert(frame)
		if len(out.Data) == 0 {
			return
		}
		select {
		case current.Output() <- out:
		case <-ctx.Done():
		}
	}
}

// pumpCandidateAudio forwards transport frames into the speech stream.
// Capture may arrive stereo; transcription wants mono, so frames pass through
// a downmixing converter first.
func pumpCandidateAudio(ctx context.Context, connection audio.Connection, sess *session.Session) {
	frames := audio.ConvertStream(connection.Input(), audio.Format{SampleRate: 48000, Channels: 1})
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := sess.SendAudio(frame.Data); err != nil {
				slog.Debug("audio frame dropped", "error", err)
			}
		}
	}
}

// serveHTTP exposes the WebRTC signaling endpoint and the Prometheus
// metrics endpoint on their configured addresses, both wrapped in the tracing
// middleware. Either may be disabled by leaving its address empty.
func (c *cli) serveHTTP(ctx context.Context, platform audio.Platform, metrics *observe.Metrics) (stop func()) {
	var servers []*http.Server
	instrument := observe.Middleware(metrics)

	if addr := c.cfg.Server.SignalingAddr; addr != "" {
		if wp, ok := platform.(*webrtc.Platform); ok {
			handler := instrument(webrtc.NewSignalingServer(wp).Handler())
			srv := &http.Server{Addr: addr, Handler: handler}
			servers = append(servers, srv)
			go listenAndServe(ctx, srv, "signaling", c.cfg.Server.TLS)
		} else {
			slog.Warn("signaling address configured but the audio platform is not webrtc")
		}
	}
	if addr := c.cfg.Server.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsHandler(metrics)}
		servers = append(servers, srv)
		go listenAndServe(ctx, srv, "metrics", nil)
	}

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("http shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
	}
}

// metricsHandler serves the Prometheus scrape endpoint behind the tracing
// middleware.
func metricsHandler(metrics *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return observe.Middleware(metrics)(mux)
}

func listenAndServe(ctx context.Context, srv *http.Server, name string, tlsCfg *config.TLSConfig) {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	slog.Info("http endpoint listening", "name", name, "addr", srv.Addr)

	var err error
	if tlsCfg != nil {
		err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http endpoint failed", "name", name, "error", err)
	}
}
