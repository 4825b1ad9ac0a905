package billing

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// runGroup collapses concurrent identical bulk runs into one execution. Every
// caller sees progress from the moment it joins and the shared summary. The
// execution is cancelled only once every waiting caller has gone away.
type runGroup struct {
	flight singleflight.Group

	mu   sync.Mutex
	runs map[string]*sharedRun
}

type runFunc func(ctx context.Context, report func(Progress)) (PeriodSummary, error)

func (g *runGroup) do(ctx context.Context, key string, progress func(Progress), fn runFunc) (PeriodSummary, error) {
	run, id, ch := g.join(ctx, key, progress, fn)

	select {
	case res := <-ch:
		run.unsubscribe(id)
		summary, _ := res.Val.(PeriodSummary)
		if res.Err != nil && ctx.Err() != nil {
			return summary, ctx.Err()
		}
		return summary, res.Err
	case <-ctx.Done():
		run.unsubscribe(id)
		if !run.ctx.abandoned() {
			return PeriodSummary{}, ctx.Err()
		}
		res := <-ch
		summary, _ := res.Val.(PeriodSummary)
		return summary, ctx.Err()
	}
}

func (g *runGroup) join(ctx context.Context, key string, progress func(Progress), fn runFunc) (*sharedRun, int, <-chan singleflight.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runs == nil {
		g.runs = make(map[string]*sharedRun)
	}

	run := g.runs[key]
	if run != nil && run.ctx.abandoned() {
		g.flight.Forget(key)
		run = nil
	}
	if run == nil {
		run = &sharedRun{ctx: newRunContext(ctx)}
		g.runs[key] = run
	}
	run.ctx.add(ctx)
	id := run.subscribe(progress)

	ch := g.flight.DoChan(key, func() (interface{}, error) {
		defer g.finish(key, run)
		return fn(run.ctx, run.report)
	})
	return run, id, ch
}

func (g *runGroup) finish(key string, run *sharedRun) {
	g.mu.Lock()
	if g.runs[key] == run {
		delete(g.runs, key)
		g.flight.Forget(key)
	}
	g.mu.Unlock()
	run.ctx.release()
}

// waiting reports how many callers are attached to the run for key.
func (g *runGroup) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	run := g.runs[key]
	if run == nil {
		return 0
	}
	return run.ctx.size()
}

type progressListener struct {
	id int
	fn func(Progress)
}

type sharedRun struct {
	ctx *runContext

	mu        sync.Mutex
	nextID    int
	listeners []progressListener
}

func (r *sharedRun) subscribe(fn func(Progress)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if fn != nil {
		r.listeners = append(r.listeners, progressListener{id: r.nextID, fn: fn})
	}
	return r.nextID
}

func (r *sharedRun) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *sharedRun) report(p Progress) {
	r.mu.Lock()
	listeners := make([]progressListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, l := range listeners {
		l.fn(p)
	}
}

// runContext stays live while at least one member context is live. Err checks
// the members directly so a run notices abandonment at its next checkpoint.
type runContext struct {
	context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	members []context.Context
	stops   []func() bool
}

func newRunContext(first context.Context) *runContext {
	base, cancel := context.WithCancel(context.WithoutCancel(first))
	return &runContext{Context: base, cancel: cancel}
}

func (c *runContext) add(member context.Context) {
	stop := context.AfterFunc(member, func() {
		if c.abandoned() {
			c.cancel()
		}
	})
	c.mu.Lock()
	c.members = append(c.members, member)
	c.stops = append(c.stops, stop)
	c.mu.Unlock()
}

func (c *runContext) abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.members) == 0 {
		return false
	}
	for _, m := range c.members {
		if m.Err() == nil {
			return false
		}
	}
	return true
}

func (c *runContext) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *runContext) Err() error {
	if c.abandoned() {
		c.cancel()
	}
	return c.Context.Err()
}

func (c *runContext) release() {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	c.cancel()
}
