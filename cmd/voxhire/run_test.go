package main

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxhire/voxhire/internal/observe"
	"github.com/voxhire/voxhire/pkg/audio"
)

// sinkConn is a minimal audio.Connection capturing frames written to Output.
type sinkConn struct {
	out chan audio.AudioFrame
}

func newSinkConn() *sinkConn {
	return &sinkConn{out: make(chan audio.AudioFrame, 8)}
}

func (c *sinkConn) Input() <-chan audio.AudioFrame  { return nil }
func (c *sinkConn) Output() chan<- audio.AudioFrame { return c.out }
func (c *sinkConn) OnPeerChange(func(audio.Event))  {}
func (c *sinkConn) Disconnect() error               { return nil }

func TestTransportSink_ResamplesForTransport(t *testing.T) {
	fake := newSinkConn()
	var conn atomic.Value
	conn.Store(audio.Connection(fake))

	sink := transportSink(context.Background(), &conn, audio.Format{SampleRate: 48000, Channels: 1})

	// Four 24kHz mono samples must come out as eight 48kHz samples.
	sink(audio.AudioFrame{
		Data:       []byte{0x10, 0x00, 0x20, 0x00, 0x30, 0x00, 0x40, 0x00},
		SampleRate: 24000,
		Channels:   1,
	})

	select {
	case frame := <-fake.out:
		assert.Equal(t, 48000, frame.SampleRate)
		assert.Equal(t, 1, frame.Channels)
		assert.Len(t, frame.Data, 16)
	default:
		t.Fatal("no frame reached the transport")
	}
}

func TestTransportSink_PassesMatchingFormatThrough(t *testing.T) {
	fake := newSinkConn()
	var conn atomic.Value
	conn.Store(audio.Connection(fake))

	sink := transportSink(context.Background(), &conn, audio.Format{SampleRate: 48000, Channels: 1})

	data := []byte{0x01, 0x02, 0x03, 0x04}
	sink(audio.AudioFrame{Data: data, SampleRate: 48000, Channels: 1})

	select {
	case frame := <-fake.out:
		assert.Equal(t, data, frame.Data)
	default:
		t.Fatal("no frame reached the transport")
	}
}

func TestTransportSink_NoConnectionDropsFrame(t *testing.T) {
	var conn atomic.Value
	sink := transportSink(context.Background(), &conn, audio.Format{SampleRate: 48000, Channels: 1})

	// Must not panic or block while no transport is attached.
	sink(audio.AudioFrame{Data: []byte{0x01, 0x00}, SampleRate: 24000, Channels: 1})
}

func TestMetricsHandler_TracesRequests(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	handler := metricsHandler(metrics)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	// The middleware surfaces the incoming trace id as the correlation id.
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", rec.Header().Get("X-Correlation-ID"))
}
