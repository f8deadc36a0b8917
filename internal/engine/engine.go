// Package engine is the central orchestrator of the position engine.
//
// It wires together all subsystems:
//
//  1. Validator gates incoming trades (schema, format).
//  2. Idempotency check short-circuits duplicate trade ids.
//  3. Classifier routes each trade: CURRENT/FORWARD dated → hotpath,
//     BACKDATED → coldpath queue.
//  4. Hotpath workers are partitioned by positionKey so one key is only ever
//     processed by one worker at a time; the store's version fences are the
//     backstop if that ever breaks.
//  5. Coldpath workers drain the backdated queue and reconcile.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swapledger/internal/cache"
	"swapledger/internal/classify"
	"swapledger/internal/coldpath"
	"swapledger/internal/config"
	"swapledger/internal/emit"
	"swapledger/internal/hotpath"
	"swapledger/internal/poskey"
	"swapledger/internal/rules"
	"swapledger/internal/store"
	"swapledger/internal/upi"
	"swapledger/internal/validate"
	"swapledger/pkg/types"
)

// Submit statuses returned to callers.
const (
	StatusApplied     = "APPLIED"
	StatusProvisional = "PROVISIONAL"
	StatusDuplicate   = "DUPLICATE"
)

// ErrShuttingDown is returned for submissions after Stop has begun.
var ErrShuttingDown = errors.New("engine: shutting down")

// ErrQueueFull is returned when the coldpath queue cannot take more
// backdated trades.
var ErrQueueFull = errors.New("engine: coldpath queue full")

// SubmitResult is the synchronous answer to one trade submission.
type SubmitResult struct {
	Status         string               `json:"status"`
	PositionKey    string               `json:"positionKey"`
	EventVersion   int64                `json:"eventVersion,omitempty"`
	UPI            string               `json:"upi,omitempty"`
	SequenceStatus types.SequenceStatus `json:"sequenceStatus,omitempty"`
	SplitKey       string               `json:"splitPositionKey,omitempty"`
}

// Engine orchestrates all components. It owns the worker pools and the
// lifecycle of every goroutine.
type Engine struct {
	cfg     config.Config
	db      *store.DB
	cache   cache.Cache
	rules   *rules.Service
	bus     *emit.Bus
	history *upi.Writer
	hot     *hotpath.Engine
	cold    *coldpath.Engine
	logger  *slog.Logger

	// hotQueues[p] feeds the worker owning partition p. Partitioning by
	// positionKey is what serializes trades per key.
	hotQueues []chan task
	coldQueue chan types.TradeEvent

	ctx       context.Context
	cancel    context.CancelFunc
	hotGroup  *errgroup.Group
	coldGroup *errgroup.Group

	// quit gates dispatch; inflight counts dispatchers already past the
	// gate. Stop closes the queues only after inflight drains, so a send
	// can never race a close.
	quit     chan struct{}
	inflight sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

type task struct {
	trade types.TradeEvent
	resp  chan outcome // nil for fire-and-forget ingest
}

type outcome struct {
	res SubmitResult
	err error
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	db, err := store.Open(cfg.Store.Path, cfg.Store.Partitions, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var c cache.Cache
	if cfg.Redis.Address != "" {
		c = cache.NewRedis(cache.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	} else {
		logger.Info("no redis configured, using in-process cache")
		c = cache.NewMemory()
	}

	rulesSvc := rules.New(rules.Config{
		BaseURL:        cfg.Rules.BaseURL,
		Timeout:        cfg.Rules.Timeout,
		CacheTTL:       cfg.Rules.CacheTTL,
		DefaultMethod:  types.TaxLotMethod(cfg.Rules.DefaultMethod),
		BreakerTimeout: cfg.Rules.BreakerTimeout,
	}, c, logger)

	bus := emit.NewBus(logger)
	history := upi.NewWriter(db, logger)

	hot := hotpath.New(db, rulesSvc, bus, history, c, hotpath.Config{
		Retries:  cfg.Hotpath.Retries,
		Deadline: cfg.Hotpath.Deadline,
	}, logger)
	cold := coldpath.New(db, rulesSvc, bus, history, c, logger)

	queues := make([]chan task, cfg.Hotpath.Workers)
	for i := range queues {
		queues[i] = make(chan task, 256)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		db:        db,
		cache:     c,
		rules:     rulesSvc,
		bus:       bus,
		history:   history,
		hot:       hot,
		cold:      cold,
		logger:    logger.With("component", "engine"),
		hotQueues: queues,
		coldQueue: make(chan types.TradeEvent, cfg.Coldpath.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		hotGroup:  new(errgroup.Group),
		coldGroup: new(errgroup.Group),
		quit:      make(chan struct{}),
	}, nil
}

// Start launches the hotpath partition workers and the coldpath pool.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine: already started")
	}
	e.started = true

	for i := range e.hotQueues {
		queue := e.hotQueues[i]
		e.hotGroup.Go(func() error {
			e.hotWorker(queue)
			return nil
		})
	}
	for i := 0; i < e.cfg.Coldpath.Workers; i++ {
		e.coldGroup.Go(func() error {
			e.coldWorker()
			return nil
		})
	}

	e.logger.Info("engine started",
		"hotpath_workers", len(e.hotQueues),
		"coldpath_workers", e.cfg.Coldpath.Workers,
		"store", e.cfg.Store.Path,
	)
	return nil
}

// Stop drains the pipeline: new submissions are refused, queued trades
// finish on live contexts, then the bus, cache and store shut down.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	// Hot queues close only after every in-flight dispatch has returned;
	// cold closes after the hot workers, which are its only producers.
	close(e.quit)
	e.inflight.Wait()
	for _, q := range e.hotQueues {
		close(q)
	}
	if err := e.hotGroup.Wait(); err != nil {
		e.logger.Error("hotpath pool error on shutdown", "error", err)
	}
	close(e.coldQueue)
	if err := e.coldGroup.Wait(); err != nil {
		e.logger.Error("coldpath pool error on shutdown", "error", err)
	}
	e.cancel()

	e.bus.Close()
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("cache close", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("store close", "error", err)
	}
	e.logger.Info("engine stopped")
}

// Submit processes one trade synchronously: validated here, applied on the
// owning partition worker. Returns the committed result, the duplicate's
// prior result, or an error.
func (e *Engine) Submit(ctx context.Context, trade types.TradeEvent) (SubmitResult, error) {
	if dup, res, err := e.precheck(ctx, trade); err != nil || dup {
		return res, err
	}

	t := task{trade: trade, resp: make(chan outcome, 1)}
	if err := e.dispatch(t); err != nil {
		return SubmitResult{}, err
	}
	select {
	case out := <-t.resp:
		return out.res, out.err
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Ingest accepts one trade without waiting for the result. Rejections and
// failures travel on the DLQ and error-retry streams only.
func (e *Engine) Ingest(ctx context.Context, trade types.TradeEvent) error {
	if dup, _, err := e.precheck(ctx, trade); err != nil || dup {
		return err
	}
	return e.dispatch(task{trade: trade})
}

// precheck runs validation and the idempotency fast path. A duplicate
// returns (true, prior result, nil).
func (e *Engine) precheck(ctx context.Context, trade types.TradeEvent) (bool, SubmitResult, error) {
	if verr := validate.CheckTrade(trade, types.Today()); verr != nil {
		e.reject(trade, verr)
		return false, SubmitResult{}, verr
	}

	// Fast tier first, durable store as the authority.
	if found, _, err := e.cache.Get(ctx, cache.IdempotencyKey(trade.TradeID)); err == nil && found {
		return true, e.duplicateResult(ctx, trade.TradeID), nil
	}
	rec, err := e.db.GetIdempotency(ctx, trade.TradeID)
	if err != nil {
		return false, SubmitResult{}, fmt.Errorf("engine: idempotency check: %w", err)
	}
	if rec != nil && rec.Status == types.IdemProcessed {
		return true, SubmitResult{
			Status:       StatusDuplicate,
			PositionKey:  rec.PositionKey,
			EventVersion: rec.EventVersion,
		}, nil
	}
	// A FAILED record is not a duplicate: the trade may be resubmitted.
	return false, SubmitResult{}, nil
}

func (e *Engine) duplicateResult(ctx context.Context, tradeID string) SubmitResult {
	res := SubmitResult{Status: StatusDuplicate}
	if rec, err := e.db.GetIdempotency(ctx, tradeID); err == nil && rec != nil {
		res.PositionKey = rec.PositionKey
		res.EventVersion = rec.EventVersion
	}
	return res
}

func (e *Engine) dispatch(t task) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	key := poskey.ForTrade(t.trade)
	p := poskey.Partition(key, len(e.hotQueues))
	select {
	case <-e.quit:
		return ErrShuttingDown
	case e.hotQueues[p] <- t:
		return nil
	}
}

// hotWorker owns a set of partitions: classification and hotpath apply both
// happen here so per-key ordering holds from classification onward.
func (e *Engine) hotWorker(queue <-chan task) {
	for t := range queue {
		res, err := e.process(e.ctx, t.trade)
		if t.resp != nil {
			t.resp <- outcome{res: res, err: err}
		} else if err != nil {
			e.logger.Warn("ingested trade failed", "trade_id", t.trade.TradeID, "error", err)
		}
	}
}

func (e *Engine) process(ctx context.Context, trade types.TradeEvent) (SubmitResult, error) {
	key := poskey.ForTrade(trade)
	snap, err := e.db.GetSnapshot(ctx, key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("engine: load snapshot: %w", err)
	}

	trade.SequenceStatus = classify.Classify(trade, snap, types.Today())
	if trade.SequenceStatus == types.SeqBackdated {
		select {
		case e.coldQueue <- trade:
			return SubmitResult{
				Status:         StatusProvisional,
				PositionKey:    key,
				SequenceStatus: types.SeqBackdated,
			}, nil
		default:
			e.bus.Emit(types.StreamErrorRetry, key, types.ErrorRetryRecord{
				TradeID:     trade.TradeID,
				PositionKey: key,
				Payload:     trade,
				Error:       ErrQueueFull.Error(),
				OccurredAt:  time.Now().UTC(),
			})
			return SubmitResult{}, ErrQueueFull
		}
	}

	res, err := e.hot.Process(ctx, trade)
	if err != nil {
		// A concurrent resubmit that lost the commit race answers with the
		// winner's recorded result, same as the precheck path.
		if errors.Is(err, hotpath.ErrDuplicateTrade) {
			return e.duplicateResult(ctx, trade.TradeID), nil
		}
		var verr *validate.Error
		if errors.As(err, &verr) {
			e.reject(trade, verr)
		}
		return SubmitResult{}, err
	}
	return SubmitResult{
		Status:         StatusApplied,
		PositionKey:    res.PositionKey,
		EventVersion:   res.EventVer,
		UPI:            res.UPI,
		SequenceStatus: res.SequenceStatus,
		SplitKey:       res.SplitKey,
	}, nil
}

func (e *Engine) coldWorker() {
	for trade := range e.coldQueue {
		if _, err := e.cold.Reconcile(e.ctx, trade); err != nil {
			e.logger.Error("coldpath reconcile failed",
				"trade_id", trade.TradeID, "error", err)
		}
	}
}

// reject publishes a validation failure to the DLQ.
func (e *Engine) reject(trade types.TradeEvent, verr *validate.Error) {
	key := trade.PositionKey
	e.bus.Emit(types.StreamDLQ, key, types.DLQRecord{
		TradeID:     trade.TradeID,
		PositionKey: key,
		Payload:     trade,
		Category:    verr.Category,
		Errors:      verr.Messages,
		OccurredAt:  time.Now().UTC(),
	})
	e.logger.Warn("trade rejected",
		"trade_id", trade.TradeID, "category", verr.Category)
}

// Store exposes the durable store for diagnostic queries.
func (e *Engine) Store() *store.DB { return e.db }

// Bus exposes the outbound bus for subscribers and the WebSocket tap.
func (e *Engine) Bus() *emit.Bus { return e.bus }

// Counters reports engine-level counters for the health endpoint.
func (e *Engine) Counters() map[string]int64 {
	out := map[string]int64{
		"hotpath_conflicts":    e.hot.ConflictCount(),
		"rules_fallbacks":      e.rules.FallbackCount(),
		"coldpath_queue_depth": int64(len(e.coldQueue)),
	}
	for stream, n := range e.bus.Counts() {
		out["emitted_"+stream] = n
	}
	return out
}
