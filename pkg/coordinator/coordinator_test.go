package coordinator

import (
	"sync"
	"testing"
	"time"
)

type result struct {
	subject  string
	parts    map[string]string
	received []string
	timeout  bool
}

func newRecorder(t *testing.T, timeout time.Duration) (*Coordinator[string, string], chan result) {
	t.Helper()
	out := make(chan result, 16)
	c, err := New(Config[string, string]{
		Required: []string{"A", "B"},
		Timeout:  timeout,
		OnComplete: func(subject string, parts map[string]string) {
			out <- result{subject: subject, parts: parts}
		},
		OnTimeout: func(subject string, partial map[string]string, received []string) {
			out <- result{subject: subject, parts: partial, received: received, timeout: true}
		},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c, out
}

func expectNone(t *testing.T, out chan result, wait time.Duration) {
	t.Helper()
	select {
	case r := <-out:
		t.Fatalf("unexpected callback: %+v", r)
	case <-time.After(wait):
	}
}

// go test -v --run TestCompleteBeforeTimeout
func TestCompleteBeforeTimeout(t *testing.T) {
	c, out := newRecorder(t, 200*time.Millisecond)

	c.OnMessage("S", "A", "a-payload")
	c.OnMessage("S", "B", "b-payload")

	select {
	case r := <-out:
		if r.timeout {
			t.Fatalf("expected success, got timeout: %+v", r)
		}
		if r.parts["A"] != "a-payload" || r.parts["B"] != "b-payload" {
			t.Errorf("parts not merged: %+v", r.parts)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion callback")
	}

	// Timer was cancelled: nothing else may fire.
	expectNone(t, out, 350*time.Millisecond)
	if c.Pending() != 0 {
		t.Errorf("expected no pending subjects, got %d", c.Pending())
	}
}

// go test -v --run TestTimeoutWithPartial
func TestTimeoutWithPartial(t *testing.T) {
	c, out := newRecorder(t, 50*time.Millisecond)

	c.OnMessage("S", "A", "a-payload")

	select {
	case r := <-out:
		if !r.timeout {
			t.Fatalf("expected timeout, got %+v", r)
		}
		if len(r.parts) != 1 || r.parts["A"] != "a-payload" {
			t.Errorf("unexpected partial: %+v", r.parts)
		}
		if len(r.received) != 1 || r.received[0] != "A" {
			t.Errorf("unexpected received set: %v", r.received)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout callback")
	}
	expectNone(t, out, 150*time.Millisecond)
}

// go test -v --run TestSubjectsIndependent
func TestSubjectsIndependent(t *testing.T) {
	c, out := newRecorder(t, 80*time.Millisecond)

	c.OnMessage("slow", "A", "1")
	time.Sleep(40 * time.Millisecond)
	c.OnMessage("fast", "A", "2")

	// "slow" times out first; "fast" must still be pending afterwards.
	r := <-out
	if r.subject != "slow" || !r.timeout {
		t.Fatalf("expected slow timeout, got %+v", r)
	}
	c.OnMessage("fast", "B", "3")
	r = <-out
	if r.subject != "fast" || r.timeout {
		t.Fatalf("expected fast completion, got %+v", r)
	}
}

// go test -v --run TestCleanupCancels
func TestCleanupCancels(t *testing.T) {
	c, out := newRecorder(t, 30*time.Millisecond)

	c.OnMessage("S", "A", "1")
	c.Cleanup("S")
	expectNone(t, out, 100*time.Millisecond)

	if ok := c.OnMessage("S", "C", "x"); ok {
		t.Error("unknown kind must be rejected")
	}
	c.Close()
	if ok := c.OnMessage("S", "A", "x"); ok {
		t.Error("closed coordinator must reject messages")
	}
}

// go test -v --run TestConcurrentSubjects
func TestConcurrentSubjects(t *testing.T) {
	var mu sync.Mutex
	done := map[string]int{}
	c, err := New(Config[string, int]{
		Required: []string{"A", "B"},
		Timeout:  time.Second,
		OnComplete: func(subject string, parts map[string]int) {
			mu.Lock()
			done[subject]++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		subj := string(rune('a' + i%26))
		if i >= 26 {
			subj += "2"
		}
		wg.Add(2)
		go func() { defer wg.Done(); c.OnMessage(subj, "A", i) }()
		go func() { defer wg.Done(); c.OnMessage(subj, "B", i) }()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(done) != 50 {
		t.Fatalf("expected 50 completed subjects, got %d", len(done))
	}
	for s, n := range done {
		if n != 1 {
			t.Errorf("subject %s completed %d times", s, n)
		}
	}
}

// go test -v --run TestConfigValidation
func TestConfigValidation(t *testing.T) {
	if _, err := New(Config[string, int]{Timeout: time.Second}); err == nil {
		t.Error("expected error without required kinds")
	}
	if _, err := New(Config[string, int]{Required: []string{"A"}}); err == nil {
		t.Error("expected error without timeout")
	}
}
