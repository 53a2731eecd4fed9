package dag

import (
	"reflect"
	"testing"

	"tileflow/internal/core"
)

func TestStateMachine_Transitions_ValidAndInvalid(t *testing.T) {
	id := idOf(0)
	state := ExecutionState{id: TaskPending}

	steps := []struct{ from, to TaskState }{
		{TaskPending, TaskReady},
		{TaskReady, TaskRunning},
		{TaskRunning, TaskFailed},
		{TaskFailed, TaskRetrying},
		{TaskRetrying, TaskRunning},
		{TaskRunning, TaskCompleted},
	}
	for _, s := range steps {
		if err := Transition(state, id, s.from, s.to); err != nil {
			t.Fatalf("expected %s -> %s to be valid, got %v", s.from, s.to, err)
		}
	}

	// Terminal -> anything is forbidden.
	if err := Transition(state, id, TaskCompleted, TaskRunning); err == nil {
		t.Fatalf("expected error")
	}

	// Stale expectation is observable.
	state[id] = TaskRunning
	if err := Transition(state, id, TaskReady, TaskRunning); err == nil {
		t.Fatalf("expected stale from-state to be rejected")
	}

	// FAILED may not skip RETRYING.
	state[id] = TaskFailed
	if err := Transition(state, id, TaskFailed, TaskRunning); err == nil {
		t.Fatalf("expected error")
	}

	for _, st := range []TaskState{TaskFatal, TaskCancelled} {
		state[id] = st
		if err := Transition(state, id, st, TaskRunning); err == nil {
			t.Fatalf("%s must be terminal", st)
		}
	}

	if err := Transition(state, idOf(1), TaskPending, TaskReady); err == nil {
		t.Fatalf("expected unknown task to be rejected")
	}
}

func TestFatalPropagation_CancelsEveryDescendant(t *testing.T) {
	// a -> b -> c, a -> d ; e independent
	a := node(0)
	b := node(1, a.ID)
	c := node(2, b.ID)
	d := node(3, a.ID)
	e := node(4)
	g, err := NewTaskGraph([]core.Task{a, b, c, d, e})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := NewExecutionState(g)
	state[a.ID] = TaskFailed
	state[d.ID] = TaskReady
	state[e.ID] = TaskRunning

	cancelled, err := FatalAndPropagate(g, state, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ExecutionState{
		a.ID: TaskFatal,
		b.ID: TaskCancelled,
		c.ID: TaskCancelled,
		d.ID: TaskCancelled,
		e.ID: TaskRunning,
	}
	if !reflect.DeepEqual(state, want) {
		t.Fatalf("unexpected state:\n got %v\nwant %v", state, want)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected 3 cancelled ids, got %v", cancelled)
	}

	// Idempotent on an already fatal task.
	again, err := FatalAndPropagate(g, state, a.ID)
	if err != nil || len(again) != 0 {
		t.Fatalf("second propagation: %v %v", again, err)
	}
}

func TestFatalPropagation_OrderIsCanonical(t *testing.T) {
	a := node(0)
	var tasks []core.Task
	tasks = append(tasks, a)
	for i := 1; i <= 6; i++ {
		tasks = append(tasks, node(i, a.ID))
	}
	g, err := NewTaskGraph(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var prev []core.TaskID
	for i := 0; i < 5; i++ {
		state := NewExecutionState(g)
		state[a.ID] = TaskFailed
		got, err := FatalAndPropagate(g, state, a.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if prev != nil && !reflect.DeepEqual(prev, got) {
			t.Fatalf("non-deterministic cancel order: %v vs %v", prev, got)
		}
		prev = got
	}
	for i := 1; i < len(prev); i++ {
		if prev[i-1] >= prev[i] {
			t.Fatalf("cancel order not canonical: %v", prev)
		}
	}
}

func TestFatalPropagation_RunningDescendantIsInvariantViolation(t *testing.T) {
	a := node(0)
	b := node(1, a.ID)
	g, err := NewTaskGraph([]core.Task{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := ExecutionState{a.ID: TaskFailed, b.ID: TaskRunning}
	if _, err := FatalAndPropagate(g, state, a.ID); err == nil {
		t.Fatalf("expected invariant violation")
	}

	state = ExecutionState{a.ID: TaskRunning, b.ID: TaskPending}
	if _, err := FatalAndPropagate(g, state, a.ID); err == nil {
		t.Fatalf("RUNNING must pass through FAILED before FATAL")
	}
}

func TestCancelDescendants_LeavesTerminalTasks(t *testing.T) {
	// a -> b -> c, a -> d
	a := node(0)
	b := node(1, a.ID)
	c := node(2, b.ID)
	d := node(3, a.ID)
	g, err := NewTaskGraph([]core.Task{a, b, c, d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := NewExecutionState(g)
	state[a.ID] = TaskCancelled
	state[d.ID] = TaskCompleted

	cancelled, err := CancelDescendants(g, state, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected b and c cancelled, got %v", cancelled)
	}
	if state[b.ID] != TaskCancelled || state[c.ID] != TaskCancelled {
		t.Fatalf("descendants not cancelled: %v", state)
	}
	if state[d.ID] != TaskCompleted {
		t.Fatalf("terminal descendant changed: %s", state[d.ID])
	}

	if _, err := CancelDescendants(g, state, idOf(9)); err == nil {
		t.Fatalf("expected unknown task error")
	}
}
