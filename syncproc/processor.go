// Package syncproc implements the Sync Processor (spec §4.2): a
// long-running background task that drains the Request Queue against the
// remote tree, emitting lifecycle events. It receives only the
// collaborator interfaces it needs (Q, the remote-tree handle, and
// config) rather than a reference to the overlay tree itself, breaking
// the tree/processor cycle the spec's design notes (§9) call out —
// grounded on the same dependency-injection shape OneMount's
// mutation_queue.go uses for its own bounded worker pool.
package syncproc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rqtree/rqshare/localtree"
	"github.com/rqtree/rqshare/pacer"
	"github.com/rqtree/rqshare/queue"
	"github.com/rqtree/rqshare/remotetree"
	"github.com/rqtree/rqshare/rqerrors"
	"github.com/rqtree/rqshare/vfscommon"
)

// EventKind identifies a sync lifecycle event (spec §4.2).
type EventKind string

// The lifecycle events the processor emits.
const (
	EventSyncStart EventKind = "syncstart"
	EventSyncEnd   EventKind = "syncend"
	EventSyncErr   EventKind = "syncerr"
	EventPurged    EventKind = "purged"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind    EventKind
	Parent  string
	Entry   queue.Entry
	Entries []queue.Entry // only set for EventPurged
	Err     error
}

var (
	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rqshare_queue_depth",
		Help: "Pending queue entries per parent directory at last poll.",
	}, []string{"parent"})
	metricSyncOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rqshare_sync_success_total",
		Help: "Number of queue entries successfully replayed against the remote tree.",
	})
	metricSyncFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rqshare_sync_failure_total",
		Help: "Number of queue entries purged after exhausting the retry limit.",
	})
)

func init() {
	prometheus.MustRegister(metricQueueDepth, metricSyncOK, metricSyncFail)
}

// Processor drains Q against R.
type Processor struct {
	Q   *queue.Queue
	R   *remotetree.Tree
	W   *localtree.Tree // to remove .rqcf markers on confirmed PUT
	Opt *vfscommon.Options

	Events chan Event

	limiter *rate.Limiter
	pacer   *pacer.Pacer

	pollInterval time.Duration
}

// New constructs a sync processor over its collaborators.
func New(q *queue.Queue, r *remotetree.Tree, w *localtree.Tree, opt *vfscommon.Options) *Processor {
	var lim *rate.Limiter
	if opt.Sync.RateLimit > 0 {
		lim = rate.NewLimiter(rate.Limit(opt.Sync.RateLimit), 1)
	}
	return &Processor{
		Q:   q,
		R:   r,
		W:   w,
		Opt: opt,
		Events: make(chan Event, 256),
		limiter: lim,
		pacer: pacer.New().
			SetMinSleep(opt.Sync.MinBackoff).
			SetMaxSleep(opt.Sync.MaxBackoff).
			SetDecayConstant(2).
			SetRetries(opt.Sync.RetryLimit),
		pollInterval: 2 * time.Second,
	}
}

func (p *Processor) emit(ev Event) {
	select {
	case p.Events <- ev:
	default:
		logrus.WithField("kind", ev.Kind).Warn("syncproc: event channel full, dropping event")
	}
}

// Run drains Q continuously until ctx is cancelled. It polls for parent
// directories with pending work and replays each directory's FIFO
// sequentially while parallelizing across directories, bounded by
// Opt.Sync.Concurrency (spec §4.2 "Across parents the processor is free
// to parallelize, bounded by a configured concurrency"). The sync
// processor is not cancellable mid-entry (spec §5); it only observes ctx
// between entries and between poll cycles.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				logrus.WithError(err).Error("syncproc: drain cycle failed")
			}
		}
	}
}

// drainOnce polls for parent directories with pending work and replays
// each one's FIFO sequentially, draining different parents in parallel.
// A MOVE entry is replayed only within its source parent's FIFO; it is not
// ordered against entries queued under its destination parent, which may
// be drained concurrently.
func (p *Processor) drainOnce(ctx context.Context) error {
	parents, err := p.Q.AllParents()
	if err != nil {
		return err
	}
	for _, parent := range parents {
		entries, err := p.Q.GetRequests(parent)
		if err != nil {
			logrus.WithError(err).WithField("parent", parent).Error("syncproc: failed to read queue entries")
			continue
		}
		metricQueueDepth.WithLabelValues(parent).Set(float64(len(entries)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Opt.Sync.Concurrency)
	for _, parent := range parents {
		parent := parent
		g.Go(func() error {
			return p.drainParent(gctx, parent)
		})
	}
	return g.Wait()
}

// drainParent replays parent's FIFO sequentially (spec §5 "Per parent
// directory, queue replay is FIFO").
func (p *Processor) drainParent(ctx context.Context, parent string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		entries, err := p.Q.GetRequests(parent)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		entry := entries[0]
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		p.emit(Event{Kind: EventSyncStart, Parent: parent, Entry: entry})

		err = p.replay(entry)
		switch {
		case err == nil:
			metricSyncOK.Inc()
			p.emit(Event{Kind: EventSyncEnd, Parent: parent, Entry: entry})
			if rerr := p.Q.RemoveEntry(parent, entry.ID); rerr != nil {
				logrus.WithError(rerr).WithField("parent", parent).Error("syncproc: failed to remove drained queue entry")
			}

		case isPermanent(err):
			// Permanent failures mark the entry failed and count towards
			// Opt.Sync.RetryLimit; only once the limit is exhausted is the
			// entry purged (spec §4.2).
			p.emit(Event{Kind: EventSyncErr, Parent: parent, Entry: entry, Err: err})
			attempts, aerr := p.Q.IncrementAttempts(parent, entry.ID)
			if aerr != nil {
				logrus.WithError(aerr).WithField("parent", parent).Error("syncproc: failed to record replay attempt")
				attempts = p.Opt.Sync.RetryLimit // fail safe: purge rather than loop forever
			}
			if attempts < p.Opt.Sync.RetryLimit {
				// Leave it queued at the head of the FIFO; the loop re-fetches
				// and replays the same entry until the limit is reached.
				continue
			}
			metricSyncFail.Inc()
			if rerr := p.Q.RemoveEntry(parent, entry.ID); rerr != nil {
				logrus.WithError(rerr).WithField("parent", parent).Error("syncproc: failed to remove purged queue entry")
			}
			p.emit(Event{Kind: EventPurged, Parent: parent, Entries: []queue.Entry{entry}})

		default:
			// Transient failure after exhausting the remote tree's own
			// low-level retries: leave the entry at the head of the FIFO
			// and stop draining this parent for this cycle; it will be
			// retried next poll.
			p.emit(Event{Kind: EventSyncErr, Parent: parent, Entry: entry, Err: err})
			return nil
		}
	}
}

// isPermanent classifies a replay error as permanent (any 4xx status)
// versus transient (spec §4.2's failure policy). A 404 on DELETE never
// reaches here because remotetree.Delete treats it as success; a 404 on
// PUT or MOVE counts as permanent.
func isPermanent(err error) bool {
	status := rqerrors.StatusOf(err)
	return status >= 400 && status < 500
}

// replay performs the HTTP operation for one queue entry (spec §4.2's
// method table), translating success into marker removal for PUT/POST.
func (p *Processor) replay(e queue.Entry) error {
	switch e.Method {
	case queue.PUT, queue.POST:
		data, err := readLocalBytes(e.LocalPrefix, e.Path)
		if err != nil {
			return err
		}
		if err := p.pacer.Call(func() (bool, error) {
			err := p.R.Put(e.Path, data)
			return rqerrors.Is(err, rqerrors.Remote) && rqerrors.StatusOf(err) >= 500, err
		}); err != nil {
			return err
		}
		if err := p.W.Delete(e.Path + ".rqcf"); err != nil {
			logrus.WithError(err).WithField("path", e.Path).Warn("syncproc: failed to remove creation marker after confirmed PUT")
		}
		return nil
	case queue.DELETE:
		err := p.R.Delete(e.Path)
		return err // 404 already treated as success inside remotetree.Delete
	case queue.MOVE:
		return p.R.Move(e.Path, e.DestPath)
	default:
		return rqerrors.Newf(rqerrors.Queue, "unknown queue method %q", e.Method)
	}
}

func readLocalBytes(localPrefix, name string) ([]byte, error) {
	return localtree.New(localPrefix).ReadAll(name)
}
