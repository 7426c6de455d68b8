package event_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/event"
)

func TestRecorder_AppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session", "events.jsonl")
	rec, err := event.NewRecorder(path)
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := []event.Event{
		{T: base, Producer: event.ProducerController, Seq: 1, Kind: event.KindSessionStarted},
		{T: base.Add(time.Second), Producer: event.ProducerConversation, Seq: 1,
			Kind: event.KindTurnCandidate, Payload: json.RawMessage(`{"text":"hi"}`)},
		{T: base.Add(2 * time.Second), Producer: event.ProducerController, Seq: 2, Kind: event.KindSessionEnded},
	}
	for _, ev := range in {
		require.NoError(t, rec.Append(ev))
	}
	require.NoError(t, rec.Close())

	out, err := event.ReadLogFile(path)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.True(t, in[i].T.Equal(out[i].T))
		assert.Equal(t, in[i].Producer, out[i].Producer)
		assert.Equal(t, in[i].Seq, out[i].Seq)
		assert.Equal(t, in[i].Kind, out[i].Kind)
	}
}

func TestRecorder_CloseIdempotent(t *testing.T) {
	rec, err := event.NewRecorder(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
}

func TestRecorder_AppendAfterClose(t *testing.T) {
	rec, err := event.NewRecorder(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	assert.Error(t, rec.Append(event.Event{Kind: event.KindSystemWarning}))
}

func TestReadLog_SkipsUnknownKinds(t *testing.T) {
	log := strings.Join([]string{
		`{"t":"2026-05-01T12:00:00.000Z","producer":"controller","seq":1,"kind":"SESSION_STARTED"}`,
		`{"t":"2026-05-01T12:00:01.000Z","producer":"controller","seq":2,"kind":"HOLOGRAM_READY"}`,
		`{"t":"2026-05-01T12:00:02.000Z","producer":"controller","seq":3,"kind":"SESSION_ENDED"}`,
	}, "\n")

	events, err := event.ReadLog(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindSessionStarted, events[0].Kind)
	assert.Equal(t, event.KindSessionEnded, events[1].Kind)
}

func TestReadLog_SkipsMalformedLines(t *testing.T) {
	log := strings.Join([]string{
		`{"t":"2026-05-01T12:00:00.000Z","producer":"controller","seq":1,"kind":"SESSION_STARTED"}`,
		`{"t":"2026-05-01T12:00:01.000Z","producer":`,
		``,
		`not json at all`,
		`{"t":"2026-05-01T12:00:02.000Z","producer":"conversation","seq":1,"kind":"TURN_CANDIDATE","payload":{"text":"x"}}`,
	}, "\n")

	events, err := event.ReadLog(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindTurnCandidate, events[1].Kind)
}

func TestReadLog_Empty(t *testing.T) {
	events, err := event.ReadLog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecorder_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	rec, err := event.NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.Append(event.Event{
		T: time.Now(), Producer: event.ProducerController, Seq: 1, Kind: event.KindSessionStarted,
	}))
	require.NoError(t, rec.Close())

	rec, err = event.NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.Append(event.Event{
		T: time.Now(), Producer: event.ProducerController, Seq: 2, Kind: event.KindSessionEnded,
	}))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	events, err := event.ReadLogFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
