package mediasched

import (
	"errors"
	"strconv"
	"testing"
)

func TestClassQueueFIFO(t *testing.T) {
	q := newClassQueue[testJob](10)

	for i := range 5 {
		if err := q.Push(batchTask(strconv.Itoa(i))); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("expected len 5, got %d", q.Len())
	}
	for i := range 5 {
		task, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if task.Key != strconv.Itoa(i) {
			t.Fatalf("pop %d: expected key %d, got %s", i, i, task.Key)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestClassQueueGrowWrapped(t *testing.T) {
	q := newClassQueue[testJob](1000)

	// Move head away from zero so growing has to unwrap the ring.
	for i := range initialQueueBuffer {
		_ = q.Push(batchTask("pre" + strconv.Itoa(i)))
	}
	for range initialQueueBuffer / 2 {
		q.Pop()
	}

	want := q.Keys()
	for i := range 3 * initialQueueBuffer {
		key := "k" + strconv.Itoa(i)
		if err := q.Push(batchTask(key)); err != nil {
			t.Fatalf("push %s failed: %v", key, err)
		}
		want = append(want, key)
	}

	got := q.Keys()
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken at %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestClassQueueFull(t *testing.T) {
	q := newClassQueue[testJob](3)

	for i := range 3 {
		if err := q.Push(batchTask(strconv.Itoa(i))); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}
	if err := q.Push(batchTask("x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 3 || q.Cap() != 3 {
		t.Fatalf("rejected push changed the queue: len=%d cap=%d", q.Len(), q.Cap())
	}

	q.Pop()
	if err := q.Push(batchTask("x")); err != nil {
		t.Fatalf("push after pop failed: %v", err)
	}
}
