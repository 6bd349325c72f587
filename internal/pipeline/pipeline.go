// Package pipeline implements the staged, per-entry executor that
// applies change events and scan observations to the catalog. Each
// operation moves through a fixed sequence of stages; operations for the
// same entry id are serialized in arrival order while unrelated ids run
// concurrently across per-stage worker pools.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/chglog"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/types"
)

// Stage indexes into the fixed pipeline.
const (
	StageGetFID = iota
	StageGetInfoDB
	StageGetInfoFS
	StageReporting
	StageDBApply
	StageChglogClr
	StageRmOldEntries

	stageCount
)

// StageDef describes one pipeline stage: whether same-id operations must
// enter it in arrival order, and how many workers serve it.
type StageDef struct {
	Name     string
	Ordered  bool
	MaxLevel int // 0 = use the configured pool size
}

var stageDefs = [stageCount]StageDef{
	{Name: "GET_FID"},
	{Name: "GET_INFO_DB", Ordered: true},
	{Name: "GET_INFO_FS"},
	{Name: "REPORTING", MaxLevel: 1},
	{Name: "DB_APPLY", Ordered: true},
	{Name: "CHGLOG_CLR", Ordered: true, MaxLevel: 1},
	{Name: "RM_OLD_ENTRIES", MaxLevel: 1},
}

// stepResult directs what happens to an operation after a stage ran.
type stepResult int

const (
	// stepNext advances the operation to the following stage.
	stepNext stepResult = iota
	// stepAgain re-queues the operation at the same stage after a
	// backoff.
	stepAgain
	// stepDrop discards the operation; its change record is still
	// acknowledged.
	stepDrop
)

// Config sizes the pipeline.
type Config struct {
	// MaxInFlight bounds admitted operations; Push blocks past it.
	MaxInFlight int
	// StageQueue bounds each per-stage FIFO.
	StageQueue int
	// Workers is the pool size of each parallel stage.
	Workers int
}

// Deps wires the pipeline to its collaborators.
type Deps struct {
	Store   *catalog.Store
	Backend *backend.Backend
	Names   *fsaccess.NameResolver
	// Source acknowledges applied change records; may be nil for pure
	// scan pipelines.
	Source chglog.Source
}

// Stats are the pipeline's cumulative counters.
type Stats struct {
	Pushed   uint64
	Applied  uint64
	Dropped  uint64
	Retried  uint64
	Removed  uint64
	Statuses map[types.Status]uint64
}

// Pipeline is the staged executor.
type Pipeline struct {
	cfg        Config
	deps       Deps
	constraint *IDConstraint

	queues [stageCount]chan *Operation
	tokens chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc

	pushed  atomic.Uint64
	applied atomic.Uint64
	dropped atomic.Uint64
	retried atomic.Uint64
	removed atomic.Uint64

	statusMu sync.Mutex
	statuses map[types.Status]uint64

	// inFlight tracks admitted but unfinished operations so Wait can
	// drain the pipeline.
	inFlight sync.WaitGroup
}

// New builds a pipeline; Start must be called before Push.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1000
	}
	if cfg.StageQueue <= 0 {
		cfg.StageQueue = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	p := &Pipeline{
		cfg:        cfg,
		deps:       deps,
		constraint: NewIDConstraint(),
		tokens:     make(chan struct{}, cfg.MaxInFlight),
		statuses:   make(map[types.Status]uint64),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Operation, cfg.StageQueue)
	}
	return p
}

// Start launches the stage worker pools.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for stage := 0; stage < stageCount; stage++ {
		workers := p.cfg.Workers
		if stageDefs[stage].MaxLevel > 0 {
			workers = stageDefs[stage].MaxLevel
		}
		for w := 0; w < workers; w++ {
			p.wg.Add(1)
			go p.worker(ctx, stage)
		}
	}
}

// Push admits an operation, blocking while the pipeline is at its
// high-water mark.
func (p *Pipeline) Push(ctx context.Context, op *Operation) error {
	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.pushed.Add(1)
	p.inFlight.Add(1)

	op.stage = StageGetFID
	if op.endOfScan {
		op.stage = StageRmOldEntries
	} else if op.IDKnown {
		// Producers that know the id register before the first stage so
		// the arrival order is captured at push time.
		ready, err := p.constraint.Register(op, false)
		if err != nil {
			p.finish(op)
			return err
		}
		if !ready {
			// Parked behind an in-flight operation for the same id;
			// Unregister will hand it back.
			return nil
		}
	}
	return p.submit(ctx, op)
}

// PushEndOfScan admits the end-of-sweep cleanup operation: entries whose
// metadata predates cutoff are removed from the catalog.
func (p *Pipeline) PushEndOfScan(ctx context.Context, cutoff time.Time) error {
	return p.Push(ctx, &Operation{endOfScan: true, scanCutoff: cutoff})
}

// submit places the operation on its current stage queue.
func (p *Pipeline) submit(ctx context.Context, op *Operation) error {
	select {
	case p.queues[op.stage] <- op:
		return nil
	case <-ctx.Done():
		p.finish(op)
		return ctx.Err()
	}
}

// Wait blocks until every admitted operation completed.
func (p *Pipeline) Wait() {
	p.inFlight.Wait()
}

// Stop terminates the worker pools. Call Wait first to drain admitted
// operations; Stop alone abandons whatever is still queued.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.statusMu.Lock()
	statuses := make(map[types.Status]uint64, len(p.statuses))
	for k, v := range p.statuses {
		statuses[k] = v
	}
	p.statusMu.Unlock()
	return Stats{
		Pushed:   p.pushed.Load(),
		Applied:  p.applied.Load(),
		Dropped:  p.dropped.Load(),
		Retried:  p.retried.Load(),
		Removed:  p.removed.Load(),
		Statuses: statuses,
	}
}

func (p *Pipeline) worker(ctx context.Context, stage int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.queues[stage]:
			p.runStage(ctx, stage, op)
		}
	}
}

func (p *Pipeline) runStage(ctx context.Context, stage int, op *Operation) {
	res, err := p.step(ctx, stage, op)

	if err != nil && errors.Is(err, types.ErrIoTransient) {
		res = stepAgain
	} else if err != nil {
		log.Printf("[pipeline] %s: dropping entry %s: %v", stageDefs[stage].Name, op.Path, err)
		res = stepDrop
	}

	switch res {
	case stepAgain:
		p.retried.Add(1)
		delay := op.nextBackoff()
		time.AfterFunc(delay, func() {
			if err := p.submit(ctx, op); err != nil && ctx.Err() == nil {
				log.Printf("[pipeline] resubmit failed: %v", err)
			}
		})

	case stepDrop:
		p.dropped.Add(1)
		// Acknowledge the record anyway so the log does not replay a
		// poisoned entry forever.
		p.ackRecord(op)
		p.complete(ctx, op)

	case stepNext:
		// Resolve the ordering constraint as soon as the id is known.
		if stage == StageGetFID && !op.registered && op.IDKnown {
			ready, err := p.constraint.Register(op, false)
			if err != nil {
				p.dropped.Add(1)
				p.complete(ctx, op)
				return
			}
			if !ready {
				op.stage = stage + 1
				return // parked; Unregister hands it back
			}
		}
		op.stage = stage + 1
		if op.stage >= stageCount || (stage == StageChglogClr) || op.endOfScan {
			p.applied.Add(1)
			p.complete(ctx, op)
			return
		}
		if op.stage == StageChglogClr && op.Record == nil {
			// Nothing to acknowledge for scan observations.
			p.applied.Add(1)
			p.complete(ctx, op)
			return
		}
		if err := p.submit(ctx, op); err != nil && ctx.Err() == nil {
			log.Printf("[pipeline] submit to %s failed: %v", stageDefs[op.stage].Name, err)
		}
	}
}

// complete releases the operation's constraint and token, waking the
// next operation registered for the same id. The wakeup is submitted
// from its own goroutine so a full stage queue cannot stall the worker
// that is completing.
func (p *Pipeline) complete(ctx context.Context, op *Operation) {
	if next := p.constraint.Unregister(op); next != nil {
		go func() {
			if err := p.submit(ctx, next); err != nil && ctx.Err() == nil {
				log.Printf("[pipeline] wakeup submit failed: %v", err)
			}
		}()
	}
	p.finish(op)
}

func (p *Pipeline) finish(op *Operation) {
	<-p.tokens
	p.inFlight.Done()
}

func (p *Pipeline) ackRecord(op *Operation) {
	if op.Record == nil || p.deps.Source == nil {
		return
	}
	if err := p.deps.Source.Ack(op.Record.Index); err != nil {
		log.Printf("[pipeline] ack record %d failed: %v", op.Record.Index, err)
	}
}

func (p *Pipeline) countStatus(st types.Status) {
	p.statusMu.Lock()
	p.statuses[st]++
	p.statusMu.Unlock()
}

// RunProducer pumps a change-record source into the pipeline until the
// source drains or the context ends. It is the consumer side of the
// change log; scans push their operations directly.
func RunProducer(ctx context.Context, p *Pipeline, src chglog.Source) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			rec, ok, err := src.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := p.Push(ctx, NewOp(rec)); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}
