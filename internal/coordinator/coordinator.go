package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/ingest"
	"github.com/notifyhub/signal-sync/internal/repository"
	"github.com/notifyhub/signal-sync/internal/stream"
)

// IdentitySource supplies the device identity. It is consulted at the
// start of every cycle since pairing can replace it at any time.
type IdentitySource interface {
	Identity(ctx context.Context) (domain.DeviceIdentity, error)
}

// Codecs looks up the codec for a stream. *stream.Registry implements it.
type Codecs interface {
	Lookup(name domain.StreamName) (stream.Codec, bool)
}

// Hooks carries optional callbacks injected by main. Nil fields are no-ops.
type Hooks struct {
	OnUploaded func(stream domain.StreamName, items int, latency time.Duration)
	OnFailed   func(stream domain.StreamName, class domain.FailureClass, items int)
	OnCycle    func(result domain.SyncCycleResult)
	OnSchedule func(expression string)
}

func (h Hooks) withDefaults() Hooks {
	if h.OnUploaded == nil {
		h.OnUploaded = func(domain.StreamName, int, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.StreamName, domain.FailureClass, int) {}
	}
	if h.OnCycle == nil {
		h.OnCycle = func(domain.SyncCycleResult) {}
	}
	if h.OnSchedule == nil {
		h.OnSchedule = func(string) {}
	}
	return h
}

// Config holds the per-cycle limits.
type Config struct {
	BatchLimit int

	// MaxRetries is the ceiling for upload failures; items whose retry
	// count passes it become failed_permanent. MaxDecodeRetries is the
	// lower ceiling applied to payloads that fail to decode.
	MaxRetries       int
	MaxDecodeRetries int

	// PurgeAge is how long complete and failed_permanent items are kept.
	PurgeAge time.Duration
}

// Coordinator drains the queue in per-stream batches. At most one cycle
// runs at a time; every trigger (timer, background slot, sync now) goes
// through RunCycle.
type Coordinator struct {
	store    repository.Store
	codecs   Codecs
	uploader ingest.Uploader
	identity IdentitySource
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	hooks    Hooks

	running atomic.Bool

	mu          sync.Mutex
	halted      bool
	haltedToken string
}

func New(
	store repository.Store,
	codecs Codecs,
	uploader ingest.Uploader,
	identity IdentitySource,
	cfg Config,
	clk clockwork.Clock,
	logger *zap.Logger,
	hooks Hooks,
) *Coordinator {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.MaxDecodeRetries <= 0 || cfg.MaxDecodeRetries > cfg.MaxRetries {
		cfg.MaxDecodeRetries = cfg.MaxRetries
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store: store, codecs: codecs, uploader: uploader, identity: identity,
		cfg: cfg, clock: clk, logger: logger, hooks: hooks.withDefaults(),
	}
}

// Running reports whether a cycle is in progress.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Halted reports whether an auth failure has stopped scheduled cycles.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Reconfigure clears the auth halt. Called after the device is paired
// again.
func (c *Coordinator) Reconfigure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		c.logger.Info("auth halt cleared")
	}
	c.halted = false
	c.haltedToken = ""
}

func (c *Coordinator) halt(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	c.haltedToken = token
}

// haltedFor reports whether token is the one that was rejected. A new
// token clears the halt.
func (c *Coordinator) haltedFor(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		return false
	}
	if token != c.haltedToken {
		c.halted = false
		c.haltedToken = ""
		c.logger.Info("device token changed, auth halt cleared")
		return false
	}
	return true
}

// RunCycle runs one collect, upload and reconcile pass. A call made while
// another cycle is running returns immediately with ErrCycleInProgress.
func (c *Coordinator) RunCycle(ctx context.Context) (*domain.SyncCycleResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		now := c.clock.Now().UTC()
		return &domain.SyncCycleResult{StartedAt: now, FinishedAt: now, Skipped: domain.SkipInProgress}, domain.ErrCycleInProgress
	}
	defer c.running.Store(false)

	res := &domain.SyncCycleResult{StartedAt: c.clock.Now().UTC()}
	err := c.run(ctx, res)
	res.FinishedAt = c.clock.Now().UTC()
	c.hooks.OnCycle(*res)
	return res, err
}

type cycle struct {
	ctx      context.Context
	identity domain.DeviceIdentity
	res      *domain.SyncCycleResult
	schedule string
	errs     []error
}

func (c *Coordinator) run(ctx context.Context, res *domain.SyncCycleResult) error {
	ident, err := c.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	if !ident.IsConfigured() {
		res.Skipped = domain.SkipNotConfigured
		return nil
	}
	if c.haltedFor(ident.DeviceToken) {
		res.Skipped = domain.SkipNeedsReconfiguration
		return nil
	}

	items, err := c.store.DequeueBatch(ctx, c.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		res.Skipped = domain.SkipEmpty
		return nil
	}

	names, groups := groupByStream(items)

	// Bookkeeping must reach the store even once ctx is cancelled, or
	// claimed items would stay in_flight until the next restart.
	cy := &cycle{ctx: context.WithoutCancel(ctx), identity: ident, res: res}

	for i, name := range names {
		if ctx.Err() != nil {
			res.Cancelled = true
			c.release(cy, remaining(names[i:], groups))
			break
		}
		res.Groups++
		res.Attempted += len(groups[name])

		stop := c.processGroup(ctx, cy, name, groups[name])
		if stop {
			c.release(cy, remaining(names[i+1:], groups))
			break
		}
	}

	now := c.clock.Now().UTC()
	if err := c.store.RecordAttempt(cy.ctx, now, res.Succeeded > 0); err != nil {
		c.logger.Error("failed to record sync attempt", zap.Error(err))
		cy.errs = append(cy.errs, err)
	}

	if !res.Cancelled {
		purged, err := c.store.Cleanup(cy.ctx, c.cfg.PurgeAge, c.cfg.MaxRetries)
		if err != nil {
			c.logger.Error("queue cleanup failed", zap.Error(err))
			cy.errs = append(cy.errs, err)
		}
		res.Purged = purged
	}

	if cy.schedule != "" {
		c.hooks.OnSchedule(cy.schedule)
	}

	c.logger.Info("sync cycle finished",
		zap.Int("groups", res.Groups),
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("released", res.Released),
		zap.Int("purged", res.Purged),
		zap.Bool("auth_halted", res.AuthHalted),
		zap.Bool("cancelled", res.Cancelled),
	)
	return errors.Join(cy.errs...)
}

// processGroup decodes, merges and uploads one stream group. It returns
// true when the rest of the cycle must stop.
func (c *Coordinator) processGroup(ctx context.Context, cy *cycle, name domain.StreamName, group []*domain.QueueItem) bool {
	log := c.logger.With(zap.String("stream", string(name)), zap.Int("items", len(group)))

	codec, ok := c.codecs.Lookup(name)
	if !ok {
		uerr := &domain.UnsupportedStreamError{Stream: name}
		for _, item := range group {
			if err := c.store.MarkPermanentFailure(cy.ctx, item.ID, uerr.Error()); err != nil {
				log.Error("failed to mark item permanently failed", zap.String("item_id", item.ID), zap.Error(err))
				cy.errs = append(cy.errs, err)
			}
		}
		cy.res.Failed += len(group)
		c.hooks.OnFailed(name, domain.FailureUnsupported, len(group))
		log.Warn("no codec for stream, items failed permanently")
		return false
	}

	records := make([]any, 0, len(group))
	decoded := make([]*domain.QueueItem, 0, len(group))
	for _, item := range group {
		rec, err := codec.Decode(item.Payload)
		if err != nil {
			derr := &domain.DecodeError{ItemID: item.ID, Stream: name, Err: err}
			c.markFailed(cy, item, c.cfg.MaxDecodeRetries, derr)
			c.hooks.OnFailed(name, domain.FailureDecode, 1)
			continue
		}
		records = append(records, rec)
		decoded = append(decoded, item)
	}
	if len(decoded) == 0 {
		return false
	}

	body, err := codec.Merge(cy.identity.DeviceID, records)
	if err != nil {
		c.failGroup(cy, name, decoded, fmt.Errorf("merge %s: %w", name, err))
		return false
	}

	start := c.clock.Now()
	resp, err := c.uploader.Upload(ctx, cy.identity, name, body)
	latency := c.clock.Now().Sub(start)

	if err == nil && resp == nil {
		resp = &ingest.UploadResponse{}
	}

	var authErr *domain.AuthError
	switch {
	case err == nil:
		for _, item := range decoded {
			if err := c.store.MarkComplete(cy.ctx, item.ID); err != nil {
				log.Error("failed to mark item complete", zap.String("item_id", item.ID), zap.Error(err))
				cy.errs = append(cy.errs, err)
			}
		}
		cy.res.Succeeded += len(decoded)
		c.hooks.OnUploaded(name, len(decoded), latency)
		log.Info("stream group uploaded",
			zap.Int("uploaded", len(decoded)),
			zap.String("stream_key", resp.StreamKey),
			zap.Int64("data_size", resp.DataSize),
			zap.Duration("latency", latency),
		)
		if resp.Schedule != "" {
			cy.schedule = resp.Schedule
		}
		return false

	case errors.As(err, &authErr):
		c.halt(cy.identity.DeviceToken)
		cy.res.AuthHalted = true
		log.Error("device token rejected, halting sync until reconfigured", zap.Error(err))
		c.release(cy, decoded)
		return true

	case cancelled(ctx, err):
		cy.res.Cancelled = true
		log.Warn("upload cancelled, releasing items", zap.Error(err))
		c.release(cy, decoded)
		return true

	default:
		c.failGroup(cy, name, decoded, err)
		return false
	}
}

func (c *Coordinator) failGroup(cy *cycle, name domain.StreamName, items []*domain.QueueItem, cause error) {
	for _, item := range items {
		c.markFailed(cy, item, c.cfg.MaxRetries, cause)
	}
	c.hooks.OnFailed(name, domain.ClassifyFailure(cause), len(items))
}

func (c *Coordinator) markFailed(cy *cycle, item *domain.QueueItem, ceiling int, cause error) {
	cy.res.Failed++
	status, err := c.store.MarkFailed(cy.ctx, item.ID, ceiling, cause.Error())
	if err != nil {
		c.logger.Error("failed to record item failure",
			zap.String("item_id", item.ID), zap.String("stream", string(item.Stream)), zap.Error(err))
		cy.errs = append(cy.errs, err)
		return
	}
	c.logger.Warn("item delivery failed",
		zap.String("item_id", item.ID),
		zap.String("stream", string(item.Stream)),
		zap.Int("retry_count", item.RetryCount+1),
		zap.String("status", string(status)),
		zap.String("class", string(domain.ClassifyFailure(cause))),
		zap.Error(cause),
	)
}

func (c *Coordinator) release(cy *cycle, items []*domain.QueueItem) {
	if len(items) == 0 {
		return
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	n, err := c.store.Release(cy.ctx, ids...)
	if err != nil {
		c.logger.Error("failed to release items", zap.Int("count", len(ids)), zap.Error(err))
		cy.errs = append(cy.errs, err)
		return
	}
	cy.res.Released += n
}

// groupByStream splits items by stream. Items keep their dequeue order
// (oldest first) inside a group; streams are returned sorted.
func groupByStream(items []*domain.QueueItem) ([]domain.StreamName, map[domain.StreamName][]*domain.QueueItem) {
	groups := make(map[domain.StreamName][]*domain.QueueItem)
	var names []domain.StreamName
	for _, item := range items {
		if _, seen := groups[item.Stream]; !seen {
			names = append(names, item.Stream)
		}
		groups[item.Stream] = append(groups[item.Stream], item)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, groups
}

func remaining(names []domain.StreamName, groups map[domain.StreamName][]*domain.QueueItem) []*domain.QueueItem {
	var out []*domain.QueueItem
	for _, name := range names {
		out = append(out, groups[name]...)
	}
	return out
}

// cancelled reports whether an upload failed because the cycle itself is
// ending. A client timeout wraps DeadlineExceeded too, but leaves ctx
// alive and counts as a delivery failure.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ingest.ErrRateLimitDeadline)
}
