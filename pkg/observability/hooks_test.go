package observability

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stepRecorder struct {
	NoopPipelineHooks
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) OnStepComplete(_ context.Context, step string, _ int, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

type missCounter struct {
	NoopCacheHooks
	mu     sync.Mutex
	misses map[string]int
}

func (c *missCounter) OnCacheMiss(_ context.Context, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses[kind]++
}

type statusRecorder struct {
	NoopHTTPHooks
	status int
}

func (s *statusRecorder) OnResponse(_ context.Context, _, _ string, status int, _ time.Duration) {
	s.status = status
}

func TestDefaultsAreNoop(t *testing.T) {
	Reset()
	ctx := context.Background()

	Pipeline().OnStepStart(ctx, "tidy", 12)
	Pipeline().OnStepComplete(ctx, "tidy", 10, time.Second, nil)
	Pipeline().OnSimulation(ctx, 4096, time.Second, nil)
	Cache().OnCacheHit(ctx, "sizing")
	Cache().OnCacheMiss(ctx, "sizing")
	Cache().OnCacheSet(ctx, "build", 1024)
	HTTP().OnRequest(ctx, "POST", "/v1/builds")
	HTTP().OnResponse(ctx, "POST", "/v1/builds", 200, time.Second)
	HTTP().OnError(ctx, "POST", "/v1/builds", nil)
}

func TestRegisteredHooksReceiveEvents(t *testing.T) {
	t.Cleanup(Reset)
	ctx := context.Background()

	steps := &stepRecorder{}
	misses := &missCounter{misses: map[string]int{}}
	status := &statusRecorder{}
	SetPipelineHooks(steps)
	SetCacheHooks(misses)
	SetHTTPHooks(status)

	for _, step := range []string{"tidy", "streamline"} {
		Pipeline().OnStepComplete(ctx, step, 4, time.Millisecond, nil)
	}
	Cache().OnCacheMiss(ctx, "sizing")
	Cache().OnCacheMiss(ctx, "sizing")
	HTTP().OnResponse(ctx, "GET", "/healthz", 204, 0)

	if len(steps.steps) != 2 || steps.steps[1] != "streamline" {
		t.Errorf("steps = %v, want [tidy streamline]", steps.steps)
	}
	if misses.misses["sizing"] != 2 {
		t.Errorf("sizing misses = %d, want 2", misses.misses["sizing"])
	}
	if status.status != 204 {
		t.Errorf("status = %d, want 204", status.status)
	}

	Reset()
	if _, ok := Pipeline().(NoopPipelineHooks); !ok {
		t.Error("Reset() should restore the no-op pipeline hooks")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Reset() should restore the no-op cache hooks")
	}
	if _, ok := HTTP().(NoopHTTPHooks); !ok {
		t.Error("Reset() should restore the no-op HTTP hooks")
	}
}

func TestSetNilKeepsHooks(t *testing.T) {
	t.Cleanup(Reset)

	steps := &stepRecorder{}
	SetPipelineHooks(steps)
	SetPipelineHooks(nil)
	SetCacheHooks(nil)
	SetHTTPHooks(nil)

	if Pipeline() != steps {
		t.Error("SetPipelineHooks(nil) should keep the registered hooks")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("SetCacheHooks(nil) should keep the defaults")
	}
}

func TestConcurrentEmit(t *testing.T) {
	t.Cleanup(Reset)
	steps := &stepRecorder{}
	SetPipelineHooks(steps)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Pipeline().OnStepComplete(context.Background(), "set_fifo_depths", 1, 0, nil)
		}()
	}
	wg.Wait()
	if len(steps.steps) != 8 {
		t.Errorf("recorded %d events, want 8", len(steps.steps))
	}
}
