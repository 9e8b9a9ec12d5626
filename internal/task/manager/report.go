package manager

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// failureReporter logs job failures at warn level, at most once per interval
// per task. Failures in between are counted and reported with the next line.
type failureReporter struct {
	log logx.Logger

	mu         sync.Mutex
	every      time.Duration
	limiters   map[task.ID]*rate.Limiter
	suppressed map[task.ID]uint64
}

func newFailureReporter(log logx.Logger, every time.Duration) *failureReporter {
	return &failureReporter{
		log:        log,
		every:      every,
		limiters:   map[task.ID]*rate.Limiter{},
		suppressed: map[task.ID]uint64{},
	}
}

func limitFor(every time.Duration) rate.Limit {
	if every <= 0 {
		return rate.Inf
	}
	return rate.Every(every)
}

func (r *failureReporter) failed(err *task.JobError, rec task.RunRecord) {
	r.mu.Lock()
	lim := r.limiters[err.TaskID]
	if lim == nil {
		lim = rate.NewLimiter(limitFor(r.every), 1)
		r.limiters[err.TaskID] = lim
	}
	if !lim.Allow() {
		r.suppressed[err.TaskID]++
		r.mu.Unlock()
		return
	}
	dropped := r.suppressed[err.TaskID]
	delete(r.suppressed, err.TaskID)
	r.mu.Unlock()

	fields := []logx.Field{
		logx.Uint64("id", uint64(err.TaskID)),
		logx.String("name", err.Name),
		logx.String("run_id", rec.RunID),
		logx.Duration("took", rec.Duration),
		logx.Err(err.Err),
	}
	if dropped > 0 {
		fields = append(fields, logx.Uint64("suppressed", dropped))
	}
	r.log.Warn("task run failed", fields...)
}

func (r *failureReporter) setEvery(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.every = d
	for _, lim := range r.limiters {
		lim.SetLimit(limitFor(d))
	}
}

func (r *failureReporter) forget(id task.ID) {
	r.mu.Lock()
	delete(r.limiters, id)
	delete(r.suppressed, id)
	r.mu.Unlock()
}

func (r *failureReporter) suppressedFor(id task.ID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed[id]
}
