package patterns

import (
	"context"
	"sync"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/logging"
)

// Learner decouples confidence updates from the extraction critical path.
// Outcomes are queued on a buffered channel and applied by a single drain
// goroutine, so reporting an outcome never blocks the page that produced
// it and concurrent pages need no locking discipline beyond "send".
type Learner struct {
	store  *Store
	queue  chan Outcome
	logger logging.Logger

	pruneFloor       float64
	pruneMinAttempts int64
	retentionHorizon time.Duration
	pruneInterval    time.Duration

	dropped   int64
	droppedMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// LearnerOptions configures a Learner.
type LearnerOptions struct {
	QueueSize        int
	PruneFloor       float64
	PruneMinAttempts int
	RetentionHorizon time.Duration
	PruneInterval    time.Duration
}

// NewLearner creates a learner over the given store. Call Start before
// reporting outcomes and Stop to flush on shutdown.
func NewLearner(store *Store, opts LearnerOptions, logger logging.Logger) *Learner {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewComponentLogger("pattern-learner")
	}
	return &Learner{
		store:            store,
		queue:            make(chan Outcome, opts.QueueSize),
		logger:           logger,
		pruneFloor:       opts.PruneFloor,
		pruneMinAttempts: int64(opts.PruneMinAttempts),
		retentionHorizon: opts.RetentionHorizon,
		pruneInterval:    opts.PruneInterval,
		done:             make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (l *Learner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.drain(ctx)
}

// Report enqueues one outcome. It never blocks: when the queue is full the
// outcome is dropped and counted, since losing a learning sample is
// preferable to adding latency to the page that produced it.
func (l *Learner) Report(o Outcome) {
	select {
	case l.queue <- o:
	default:
		l.droppedMu.Lock()
		l.dropped++
		l.droppedMu.Unlock()
	}
}

// ReportAll enqueues a batch of outcomes.
func (l *Learner) ReportAll(outcomes []Outcome) {
	for _, o := range outcomes {
		l.Report(o)
	}
}

// Dropped returns how many outcomes were discarded due to a full queue.
func (l *Learner) Dropped() int64 {
	l.droppedMu.Lock()
	defer l.droppedMu.Unlock()
	return l.dropped
}

// QueueDepth returns the number of outcomes waiting to be applied.
func (l *Learner) QueueDepth() int {
	return len(l.queue)
}

// Stop drains remaining outcomes and stops the goroutine. Stopping a
// learner whose Start never ran is a no-op; there is no drain goroutine
// to wait for.
func (l *Learner) Stop() {
	l.once.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		<-l.done
	})
}

func (l *Learner) drain(ctx context.Context) {
	defer close(l.done)

	pruneTicker := time.NewTicker(l.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case o := <-l.queue:
			l.store.Apply(o)
		case <-pruneTicker.C:
			l.prune()
		case <-ctx.Done():
			// Flush whatever is queued before exiting.
			for {
				select {
				case o := <-l.queue:
					l.store.Apply(o)
				default:
					return
				}
			}
		}
	}
}

func (l *Learner) prune() {
	removed := l.store.Prune(l.pruneFloor, l.pruneMinAttempts, l.retentionHorizon, time.Now())
	if removed > 0 {
		l.logger.Infof("pruned %d stale selector candidates", removed)
	}
}
