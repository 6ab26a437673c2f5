package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	f := &domain.ConsolidatedFindings{
		ContinuationID: "c1",
		Tool:           "debug",
		State:          domain.WorkflowStateCollecting,
		Confidence:     domain.ConfidenceLow,
	}
	if err := s.Save(ctx, "c1", f, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || got.Tool != "debug" {
		t.Fatalf("Load() = %+v, want saved findings", got)
	}
}

func TestLoadedFindingsAreIsolated(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	f := &domain.ConsolidatedFindings{
		ContinuationID: "c1",
		Tool:           "debug",
		Steps:          []domain.WorkflowStep{{Number: 1, Step: "a"}},
	}
	if err := s.Save(ctx, "c1", f, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Mutating the saved object after Save must not reach the store.
	f.Steps = append(f.Steps, domain.WorkflowStep{Number: 2, Step: "b"})

	first, err := s.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(first.Steps) != 1 {
		t.Fatalf("post-Save mutation leaked into store: %d steps", len(first.Steps))
	}

	// Mutating one loaded copy must not affect another.
	first.Steps[0].Step = "mutated"
	first.State = domain.WorkflowStateDone

	second, err := s.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if second.Steps[0].Step != "a" || second.State == domain.WorkflowStateDone {
		t.Fatalf("loaded copies share state: %+v", second)
	}
}

func TestConcurrentLoadMutateSave(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	seed := &domain.ConsolidatedFindings{
		ContinuationID: "c1",
		Steps:          []domain.WorkflowStep{{Number: 1, Step: "seed"}},
	}
	if err := s.Save(ctx, "c1", seed, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				f, err := s.Load(ctx, "c1")
				if err != nil || f == nil {
					t.Errorf("Load() = %v, %v", f, err)
					return
				}
				f.Steps = append(f.Steps, domain.WorkflowStep{Number: n, Step: "s"})
				f.State = domain.WorkflowStateCollecting
				if err := s.Save(ctx, "c1", f, time.Minute); err != nil {
					t.Errorf("Save() error = %v", err)
					return
				}
			}
		}(i + 2)
	}
	wg.Wait()
}

func TestLoadMissReturnsNil(t *testing.T) {
	s := New()
	defer s.Close()

	got, err := s.Load(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Load() = %+v, want nil miss", got)
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	f := &domain.ConsolidatedFindings{ContinuationID: "c1"}
	if err := s.Save(ctx, "c1", f, -time.Second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Fatal("expired entry served as a hit")
	}
}
