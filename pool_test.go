package posepipe

import (
	"errors"
	"testing"
	"time"
)

func TestPoolCounts(t *testing.T) {

	pool, err := NewRequestPool(newFakeNetwork(), 3)

	if err != nil {
		t.Fatalf("Error creating pool: %v", err)
	}

	checkCounts := func(wantIdle, wantInUse int) {
		t.Helper()
		idle, inUse := pool.Counts()

		if idle != wantIdle || inUse != wantInUse {
			t.Errorf("Counts incorrect, expected idle=%d inUse=%d, got idle=%d inUse=%d",
				wantIdle, wantInUse, idle, inUse)
		}

		if idle+inUse != pool.Size() {
			t.Errorf("Pool invariant broken, idle=%d + inUse=%d != capacity %d",
				idle, inUse, pool.Size())
		}
	}

	checkCounts(3, 0)

	s1, err := pool.GetIdleRequest()

	if err != nil {
		t.Fatalf("Error getting request: %v", err)
	}

	s2, err := pool.GetIdleRequest()

	if err != nil {
		t.Fatalf("Error getting request: %v", err)
	}

	checkCounts(1, 2)

	if s1 == s2 {
		t.Errorf("GetIdleRequest returned the same slot twice")
	}

	pool.Release(s1)
	checkCounts(2, 1)

	pool.Release(s2)
	checkCounts(3, 0)
}

func TestPoolNeverHandsOutSlotInUse(t *testing.T) {

	pool, err := NewRequestPool(newFakeNetwork(), 3)

	if err != nil {
		t.Fatalf("Error creating pool: %v", err)
	}

	held := make(map[*RequestSlot]bool)

	for i := 0; i < 3; i++ {
		slot, err := pool.GetIdleRequest()

		if err != nil {
			t.Fatalf("Error getting request: %v", err)
		}

		if held[slot] {
			t.Fatalf("Slot %d handed out while in use", slot.idx)
		}

		held[slot] = true
	}
}

func TestPoolBlocksWhenSaturated(t *testing.T) {

	pool, err := NewRequestPool(newFakeNetwork(), 1)

	if err != nil {
		t.Fatalf("Error creating pool: %v", err)
	}

	slot, err := pool.GetIdleRequest()

	if err != nil {
		t.Fatalf("Error getting request: %v", err)
	}

	got := make(chan *RequestSlot)

	go func() {
		next, err := pool.GetIdleRequest()

		if err != nil {
			t.Errorf("Error getting request: %v", err)
		}

		got <- next
	}()

	select {
	case <-got:
		t.Fatal("GetIdleRequest returned while pool was saturated")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(slot)

	select {
	case next := <-got:
		if next != slot {
			t.Errorf("Expected the released slot to be handed out again")
		}
	case <-time.After(time.Second):
		t.Fatal("GetIdleRequest did not wake after release")
	}
}

func TestPoolWaitForTotalCompletion(t *testing.T) {

	pool, err := NewRequestPool(newFakeNetwork(), 2)

	if err != nil {
		t.Fatalf("Error creating pool: %v", err)
	}

	s1, _ := pool.GetIdleRequest()
	s2, _ := pool.GetIdleRequest()

	done := make(chan struct{})

	go func() {
		pool.WaitForTotalCompletion()
		close(done)
	}()

	pool.Release(s1)

	select {
	case <-done:
		t.Fatal("WaitForTotalCompletion returned with a slot still in use")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(s2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForTotalCompletion did not return after full drain")
	}

	if _, inUse := pool.Counts(); inUse != 0 {
		t.Errorf("Expected 0 requests in use after drain, got %d", inUse)
	}
}

func TestPoolClosed(t *testing.T) {

	pool, err := NewRequestPool(newFakeNetwork(), 1)

	if err != nil {
		t.Fatalf("Error creating pool: %v", err)
	}

	pool.Close()

	_, err = pool.GetIdleRequest()

	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolInvalidSize(t *testing.T) {

	_, err := NewRequestPool(newFakeNetwork(), 0)

	if err == nil {
		t.Error("Expected error creating pool with size 0")
	}
}
