package daemon

import (
	"context"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/telemetry"
)

// Admission hands out the daemon's concurrency slots: one global bounded
// semaphore plus a smaller one per provider class. Slots are always taken
// global-first to keep the acquisition order fixed, and every acquisition
// returns a release func the caller must run on every exit path.
type Admission struct {
	global       chan struct{}
	classes      map[string]chan struct{}
	queueTimeout time.Duration
	recorder     *telemetry.Recorder
}

// NewAdmission sizes the semaphores. Classes absent from classLimits are
// unbounded beyond the global ceiling.
func NewAdmission(globalLimit int, classLimits map[string]int, queueTimeout time.Duration, recorder *telemetry.Recorder) *Admission {
	classes := make(map[string]chan struct{}, len(classLimits))
	for class, limit := range classLimits {
		classes[class] = make(chan struct{}, limit)
	}
	return &Admission{
		global:       make(chan struct{}, globalLimit),
		classes:      classes,
		queueTimeout: queueTimeout,
		recorder:     recorder,
	}
}

// AcquireGlobal takes a global slot, queueing up to the admission timeout
// before failing with busy.
func (a *Admission) AcquireGlobal(ctx context.Context) (func(), error) {
	release, err := a.acquire(ctx, a.global)
	if err != nil {
		return nil, err
	}
	if a.recorder != nil {
		a.recorder.RecordAdmission("global", 1)
	}
	return func() {
		release()
		if a.recorder != nil {
			a.recorder.RecordAdmission("global", -1)
		}
	}, nil
}

// AcquireClass takes a per-provider-class slot. Called only once the
// target provider is known, after the global slot is already held.
func (a *Admission) AcquireClass(ctx context.Context, class string) (func(), error) {
	ch, ok := a.classes[class]
	if !ok {
		return func() {}, nil
	}
	release, err := a.acquire(ctx, ch)
	if err != nil {
		return nil, err
	}
	if a.recorder != nil {
		a.recorder.RecordAdmission(class, 1)
	}
	return func() {
		release()
		if a.recorder != nil {
			a.recorder.RecordAdmission(class, -1)
		}
	}, nil
}

// acquire queues for a slot. A full semaphore queues rather than rejects;
// only the admission timeout (or context cancellation) fails the call.
func (a *Admission) acquire(ctx context.Context, ch chan struct{}) (func(), error) {
	timer := time.NewTimer(a.queueTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, domain.NewCallError(domain.ErrorKindBusy,
			"admission queue timeout after %s", a.queueTimeout)
	case <-ctx.Done():
		return nil, domain.NewCallError(domain.ErrorKindTimeout,
			"cancelled while queued for admission: %v", ctx.Err())
	}
}
