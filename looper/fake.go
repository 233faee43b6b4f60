package looper

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is a Scheduler driven by hand with a virtual clock. Nothing runs
// until RunPending, Advance or Drain is called.
type Fake struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	items []*fakeTask
}

type fakeTask struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled atomic.Bool
}

func (t *fakeTask) Cancel() {
	t.cancelled.Store(true)
}

// NewFake returns a Fake at virtual time zero.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Post(fn func()) {
	f.PostDelayed(fn, 0)
}

func (f *Fake) PostDelayed(fn func(), d time.Duration) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTask{at: f.now + d, seq: f.seq, fn: fn}
	f.items = append(f.items, t)
	return t
}

// Now returns the virtual time.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending returns the number of uncancelled tasks, due or not.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.items {
		if !t.cancelled.Load() {
			n++
		}
	}
	return n
}

// RunPending runs every task due at the current virtual time, including
// tasks those tasks post with no delay. It returns the number run.
func (f *Fake) RunPending() int {
	ran := 0
	for {
		t := f.next(f.Now())
		if t == nil {
			return ran
		}
		t.fn()
		ran++
	}
}

// Advance moves the clock forward by d, running tasks as they come due.
func (f *Fake) Advance(d time.Duration) int {
	f.mu.Lock()
	end := f.now + d
	f.mu.Unlock()

	ran := 0
	for {
		t := f.next(end)
		if t == nil {
			break
		}
		ran++
		t.fn()
	}

	f.mu.Lock()
	f.now = end
	f.mu.Unlock()
	return ran + f.RunPending()
}

// Drain runs tasks in time order, jumping the clock as needed, until the
// queue is empty or limit tasks have run.
func (f *Fake) Drain(limit int) int {
	ran := 0
	for ran < limit {
		t := f.next(time.Duration(1<<63 - 1))
		if t == nil {
			break
		}
		t.fn()
		ran++
	}
	return ran
}

// next pops the earliest uncancelled task due at or before deadline and
// moves the clock to it.
func (f *Fake) next(deadline time.Duration) *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.items[:0]
	for _, t := range f.items {
		if !t.cancelled.Load() {
			live = append(live, t)
		}
	}
	f.items = live

	sort.SliceStable(f.items, func(i, j int) bool {
		if f.items[i].at != f.items[j].at {
			return f.items[i].at < f.items[j].at
		}
		return f.items[i].seq < f.items[j].seq
	})

	if len(f.items) == 0 || f.items[0].at > deadline {
		return nil
	}

	t := f.items[0]
	f.items = f.items[1:]
	if t.at > f.now {
		f.now = t.at
	}
	return t
}
