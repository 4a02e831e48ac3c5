package runner

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestPool_AcquireRelease(t *testing.T) {
	pool := NewPool(2)

	if pool.Available() != 2 {
		t.Errorf("got available=%d, want 2", pool.Available())
	}

	if !pool.Acquire("b1") {
		t.Error("first acquire should succeed")
	}
	if pool.Acquire("b1") {
		t.Error("acquiring a running benchmark again should fail")
	}
	if !pool.Acquire("b2") {
		t.Error("second acquire should succeed")
	}
	if pool.Available() != 0 {
		t.Errorf("got available=%d, want 0", pool.Available())
	}
	if pool.Acquire("b3") {
		t.Error("third acquire should fail when pool exhausted")
	}

	pool.Release("b1")
	if pool.Available() != 1 {
		t.Errorf("got available=%d, want 1", pool.Available())
	}
	if got := pool.Running(); len(got) != 1 || got[0] != "b2" {
		t.Errorf("Running() = %v, want [b2]", got)
	}

	// releasing an unknown id is a no-op
	pool.Release("b1")
	if pool.Available() != 1 {
		t.Errorf("got available=%d, want 1", pool.Available())
	}
}

func TestPool_MinimumCapacity(t *testing.T) {
	if got := NewPool(0).MaxTasks(); got != 1 {
		t.Errorf("MaxTasks() = %d, want 1", got)
	}
}

func TestPool_Concurrent(t *testing.T) {
	pool := NewPool(5)

	var wg sync.WaitGroup
	acquired := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			acquired <- pool.Acquire(id)
		}(fmt.Sprintf("b%d", i))
	}

	wg.Wait()
	close(acquired)

	successCount := 0
	for ok := range acquired {
		if ok {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("got %d successful acquires, want 5", successCount)
	}
}

func TestPool_OnChanged(t *testing.T) {
	pool := NewPool(1)

	var notifications []int
	pool.SetOnChanged(func(running int) {
		notifications = append(notifications, running)
	})

	pool.Acquire("b1")
	pool.Acquire("b2") // rejected, no callback
	pool.Release("b1")

	want := []int{1, 0}
	if len(notifications) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(notifications), len(want))
	}
	for i := range want {
		if notifications[i] != want[i] {
			t.Errorf("notification[%d]: got %d, want %d", i, notifications[i], want[i])
		}
	}
}

func TestPool_Admit(t *testing.T) {
	pool := NewPool(1)
	if err := pool.Admit("b1"); err != nil {
		t.Fatalf("Admit(b1) = %v", err)
	}
	if err := pool.Admit("b1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Admit(b1) again = %v, want ErrAlreadyRunning", err)
	}
	if err := pool.Admit("b2"); !errors.Is(err, ErrPoolFull) {
		t.Errorf("Admit(b2) = %v, want ErrPoolFull", err)
	}
}
