package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/reelgen/reelgen-backend/internal/domain"
)

func TestBackoffDelayFixed(t *testing.T) {
	p := Policy{Backoff: BackoffFixed, Delay: 10 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := p.BackoffDelay(attempt); got != 10*time.Second {
			t.Fatalf("attempt %d: got %v, want 10s", attempt, got)
		}
	}
}

func TestBackoffDelayExponential(t *testing.T) {
	p := Policy{Backoff: BackoffExponential, Delay: 30 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
	}
	for _, c := range cases {
		if got := p.BackoffDelay(c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	p := Policy{Backoff: BackoffExponential, Delay: 30 * time.Second}
	if got := p.BackoffDelay(20); got != 10*time.Minute {
		t.Fatalf("got %v, want cap of 10m", got)
	}
}

func TestDefaultPoliciesCoverEveryStage(t *testing.T) {
	policies := DefaultPolicies()
	for _, stage := range []string{StageGeneration, StagePolling, StageDownload, StageScoring} {
		pol, ok := policies[stage]
		if !ok {
			t.Fatalf("no policy for stage %s", stage)
		}
		if pol.Concurrency < 1 || pol.MaxAttempts < 1 {
			t.Fatalf("stage %s has a degenerate policy: %+v", stage, pol)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	h := &stubHandler{stage: StageGeneration}
	if err := reg.Register(h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(h); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestTaskPayloadDecoding(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"operation_handle": "op-123", "n": 3})
	task := NewTask(&domain.QueueTask{Payload: raw})
	if got := task.PayloadString("operation_handle"); got != "op-123" {
		t.Fatalf("got %q, want op-123", got)
	}
	if got := task.PayloadString("missing"); got != "" {
		t.Fatalf("missing key should be empty, got %q", got)
	}

	empty := NewTask(&domain.QueueTask{})
	if empty.Payload() == nil {
		t.Fatalf("empty payload should decode to an empty map")
	}
}

func TestTerminalWrapping(t *testing.T) {
	base := errors.New("boom")
	if IsTerminal(base) {
		t.Fatalf("plain error should not be terminal")
	}
	wrapped := Terminal(base)
	if !IsTerminal(wrapped) {
		t.Fatalf("wrapped error should be terminal")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("terminal wrapper should unwrap to the cause")
	}
	if !IsTerminal(fmt.Errorf("outer: %w", wrapped)) {
		t.Fatalf("terminal marker should survive further wrapping")
	}
	if Terminal(nil) != nil {
		t.Fatalf("Terminal(nil) should be nil")
	}
}
