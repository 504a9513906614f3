package bot

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of work run by a pool worker.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers, each draining its own bounded
// queue. A key always maps to the same shard.
type Pool struct {
	shards []chan Job

	mu      sync.RWMutex
	closed  bool
	started bool
	group   *errgroup.Group
}

// NewPool creates a pool with the given number of shards and per-shard
// queue capacity.
func NewPool(workers, queueSize int) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("bot: workers must be positive, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("bot: queue size must be positive, got %d", queueSize)
	}
	p := &Pool{shards: make([]chan Job, workers)}
	for i := range p.shards {
		p.shards[i] = make(chan Job, queueSize)
	}
	return p, nil
}

// Start launches one worker per shard. Jobs receive ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.group = &errgroup.Group{}
	for i, ch := range p.shards {
		p.group.Go(func() error {
			for job := range ch {
				run(ctx, i, job)
			}
			return nil
		})
	}
}

// Submit queues job on the shard of key. It never blocks: false means the
// shard is full or the pool is closed, and the job was dropped.
func (p *Pool) Submit(key string, job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.shards[p.shard(key)] <- job:
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shards returns the number of workers.
func (p *Pool) Shards() int {
	return len(p.shards)
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func run(ctx context.Context, shard int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"shard": shard,
				"panic": r,
			}).Errorf("worker recovered from panic\n%s", debug.Stack())
		}
	}()
	job(ctx)
}
