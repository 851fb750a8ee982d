package engine

import (
	"context"
	"runtime"
	"sync"
	"testing"
)

func TestStateMachineCurrentIsNilForFreshChat(t *testing.T) {
	sm := NewStateMachine(newFakeStore())
	cs, err := sm.Current(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cs != nil {
		t.Fatalf("expected no row, got %+v", cs)
	}
}

func TestStateMachineApplyCreatesAndTransitions(t *testing.T) {
	store := newFakeStore()
	sm := NewStateMachine(store)
	ctx := context.Background()

	if err := sm.Apply(ctx, 1, 100, strPtr("ordering"), `{"url":{"id":"7"}}`); err != nil {
		t.Fatalf("apply: %v", err)
	}
	cs, err := sm.Current(ctx, 1, 100)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cs == nil || cs.StateName == nil || *cs.StateName != "ordering" {
		t.Fatalf("state = %+v", cs)
	}
	if cs.Context != `{"url":{"id":"7"}}` {
		t.Fatalf("context = %q", cs.Context)
	}
}

func TestStateMachineNilTargetKeepsStateRefreshesContext(t *testing.T) {
	store := newFakeStore()
	sm := NewStateMachine(store)
	ctx := context.Background()

	if err := sm.Apply(ctx, 1, 100, strPtr("ordering"), "first"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := sm.Apply(ctx, 1, 100, nil, "second"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	cs, err := sm.Current(ctx, 1, 100)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cs.StateName == nil || *cs.StateName != "ordering" {
		t.Fatalf("state = %+v, expected unchanged", cs)
	}
	if cs.Context != "second" {
		t.Fatalf("context = %q, expected refreshed", cs.Context)
	}
}

func TestStateMachineLockSerializesPerChat(t *testing.T) {
	sm := NewStateMachine(newFakeStore())

	// Unsynchronized read-modify-write; only the per-chat lock keeps
	// the final count exact.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock(1, 100)
			defer unlock()
			v := counter
			runtime.Gosched()
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 32 {
		t.Fatalf("counter = %d, expected 32", counter)
	}
}

func TestStateMachineLockIndependentChats(t *testing.T) {
	sm := NewStateMachine(newFakeStore())

	unlockA := sm.Lock(1, 100)
	done := make(chan struct{})
	go func() {
		unlockB := sm.Lock(1, 200)
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
