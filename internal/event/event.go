// Package event provides the per-session event model: the closed set of
// event kinds, the producer identities with their merge priorities, the
// ordered in-process Bus connecting producers to the session controller, and
// the append-only JSONL event log.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a session event. The set is closed; readers of
// recorded event logs must skip records whose kind they do not recognise.
type Kind string

const (
	KindSessionStarted  Kind = "SESSION_STARTED"
	KindSessionEnded    Kind = "SESSION_ENDED"
	KindTurnCandidate   Kind = "TURN_CANDIDATE"
	KindTurnInterviewer Kind = "TURN_INTERVIEWER"
	KindNudgeRequired   Kind = "NUDGE_REQUIRED"
	KindNudgeDelivered  Kind = "NUDGE_DELIVERED"
	KindLieDetected     Kind = "LIE_DETECTED"
	KindCodeChanged     Kind = "CODE_CHANGED"
	KindInactivity      Kind = "INACTIVITY"
	KindSubmitDetected  Kind = "SUBMIT_DETECTED"
	KindTestResult      Kind = "TEST_RESULT"
	KindSystemWarning   Kind = "SYSTEM_WARNING"
	KindSystemError     Kind = "SYSTEM_ERROR"
)

// kinds is the closed set of valid event kinds.
var kinds = map[Kind]struct{}{
	KindSessionStarted:  {},
	KindSessionEnded:    {},
	KindTurnCandidate:   {},
	KindTurnInterviewer: {},
	KindNudgeRequired:   {},
	KindNudgeDelivered:  {},
	KindLieDetected:     {},
	KindCodeChanged:     {},
	KindInactivity:      {},
	KindSubmitDetected:  {},
	KindTestResult:      {},
	KindSystemWarning:   {},
	KindSystemError:     {},
}

// IsValid reports whether k belongs to the closed event kind set.
func (k Kind) IsValid() bool {
	_, ok := kinds[k]
	return ok
}

// Producer identifies which session component published an event. Each
// producer maintains its own monotonic sequence counter.
type Producer string

const (
	ProducerController   Producer = "controller"
	ProducerCodeMonitor  Producer = "code_monitor"
	ProducerConversation Producer = "conversation"
	ProducerLieDetector  Producer = "lie_detector"
	ProducerBridge       Producer = "bridge"
)

// producerRank maps producers to their merge priority. Lower rank wins when
// two events from different producers carry the same session timestamp.
var producerRank = map[Producer]int{
	ProducerController:   0,
	ProducerCodeMonitor:  1,
	ProducerConversation: 2,
	ProducerLieDetector:  3,
	ProducerBridge:       4,
}

// Rank returns the producer's merge priority; unknown producers sort last.
func (p Producer) Rank() int {
	if r, ok := producerRank[p]; ok {
		return r
	}
	return len(producerRank)
}

// IsValid reports whether p is a known producer.
func (p Producer) IsValid() bool {
	_, ok := producerRank[p]
	return ok
}

// Event is a single session event. Events are ordered by session timestamp,
// with ties broken by producer rank; Seq is strictly monotonic per producer,
// so consumers can deduplicate on (Producer, Seq).
type Event struct {
	// T is the session timestamp in UTC with millisecond precision.
	T time.Time `json:"t"`

	// Producer identifies the publishing component.
	Producer Producer `json:"producer"`

	// Seq is the producer-local sequence number, strictly increasing.
	Seq uint64 `json:"seq"`

	// Kind is the event type, drawn from the closed kind set.
	Kind Kind `json:"kind"`

	// Payload carries kind-specific data as raw JSON. May be nil.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// timeLayout is ISO-8601 with millisecond precision, always UTC.
const timeLayout = "2006-01-02T15:04:05.000Z"

// MarshalJSON renders the event with its timestamp truncated to millisecond
// precision in UTC, as required by the event log format.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		T        string          `json:"t"`
		Producer Producer        `json:"producer"`
		Seq      uint64          `json:"seq"`
		Kind     Kind            `json:"kind"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}
	return json.Marshal(wire{
		T:        e.T.UTC().Format(timeLayout),
		Producer: e.Producer,
		Seq:      e.Seq,
		Kind:     e.Kind,
		Payload:  e.Payload,
	})
}

// UnmarshalJSON parses an event record, accepting both the millisecond layout
// and full RFC 3339 timestamps.
func (e *Event) UnmarshalJSON(data []byte) error {
	type wire struct {
		T        string          `json:"t"`
		Producer Producer        `json:"producer"`
		Seq      uint64          `json:"seq"`
		Kind     Kind            `json:"kind"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t, err := time.Parse(timeLayout, w.T)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, w.T)
		if err != nil {
			return fmt.Errorf("event: parse timestamp %q: %w", w.T, err)
		}
	}
	e.T = t.UTC()
	e.Producer = w.Producer
	e.Seq = w.Seq
	e.Kind = w.Kind
	e.Payload = w.Payload
	return nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event: %s/%d has no payload", e.Kind, e.Seq)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event: decode %s payload: %w", e.Kind, err)
	}
	return nil
}
