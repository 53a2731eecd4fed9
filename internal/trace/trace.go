package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ExecutionTrace is the canonical, deterministic record of a graph execution.
//
// Invariants:
//   - Captures GraphHash and the list of logical task transitions.
//   - Contains no timestamps, pointers, error strings, or other runtime-dependent values.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit absent optional fields.
//
// GraphHash is a string so this package does not depend on the dag package.
// The trace is observational only and never affects execution.
type ExecutionTrace struct {
	GraphHash string
	Events    []TraceEvent
}

// TraceEventKind is the stable, canonical discriminator for TraceEvent.
// The string values are part of the trace's canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTaskSubmitted  TraceEventKind = "TaskSubmitted"
	EventTaskDispatched TraceEventKind = "TaskDispatched"
	EventTaskCompleted  TraceEventKind = "TaskCompleted"
	EventTaskRetried    TraceEventKind = "TaskRetried"
	EventTaskFailed     TraceEventKind = "TaskFailed"
	EventTaskCancelled  TraceEventKind = "TaskCancelled"
)

// Reason codes for cancellation.
const (
	ReasonUpstreamFatal     = "UpstreamFatal"
	ReasonUpstreamCancelled = "UpstreamCancelled"
	ReasonClosed            = "FabricClosed"
)

// TraceEvent is a single logical transition.
//
// Determinism constraints:
//   - No timestamps.
//   - No error strings / stack traces. Reason carries an error kind code.
//   - No fields derived from pointer identity or map iteration.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID identifies the task this event refers to.
	TaskID string

	// Reason is a stable, logical reason code (an error kind or a cancellation reason).
	Reason string

	// CauseTaskID records the upstream task that caused a cancellation.
	CauseTaskID string

	// Attempt is the 1-based attempt number for dispatch, retry and failure events.
	Attempt int
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
		if e.Attempt < 0 {
			return fmt.Errorf("events[%d].attempt is negative", i)
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form.
//
// Ordering is independent of execution timing or concurrency: events are
// stably sorted by (taskId, kindOrder, attempt, reason, causeTaskId).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.CauseTaskID < b.CauseTaskID
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskSubmitted:
		return 10
	case EventTaskDispatched:
		return 20
	case EventTaskRetried:
		return 30
	case EventTaskCompleted:
		return 40
	case EventTaskFailed:
		return 50
	case EventTaskCancelled:
		return 60
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{GraphHash: t.GraphHash}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// Count returns how many events of kind the trace holds.
func (t ExecutionTrace) Count(kind TraceEventKind) int {
	n := 0
	for _, e := range t.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// MarshalJSON ensures canonical field ordering and omission rules.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"graphHash\":")
	gh, _ := json.Marshal(t.GraphHash)
	buf.Write(gh)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	// kind (always first)
	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeString := func(name, v string) {
		if v == "" {
			return
		}
		buf.WriteString(",\"" + name + "\":")
		b, _ := json.Marshal(v)
		buf.Write(b)
	}
	writeString("taskId", e.TaskID)
	if e.Attempt > 0 {
		buf.WriteString(",\"attempt\":")
		buf.WriteString(strconv.Itoa(e.Attempt))
	}
	writeString("reason", e.Reason)
	writeString("causeTaskId", e.CauseTaskID)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
