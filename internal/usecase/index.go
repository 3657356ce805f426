package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// ErrAlreadyRunning is returned by Start while another run is in progress.
var ErrAlreadyRunning = errors.New("indexing already running")

const defaultBatchSize = 10

type PipelineState int

const (
	StateIdle PipelineState = iota
	StateWarming
	StateIngesting
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarming:
		return "warming"
	case StateIngesting:
		return "ingesting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ItemStatus is the outcome of one photo in a run.
type ItemStatus int

const (
	ItemIndexed ItemStatus = iota
	ItemSkippedNotReady
	ItemSkippedTransient
	ItemSkippedUnsupported
	ItemSkippedEmpty
	ItemStoreError
	// ItemRolledBack marks photos of a batch that was rolled back, whether
	// or not they had been embedded.
	ItemRolledBack
	ItemCancelled
)

func (s ItemStatus) String() string {
	switch s {
	case ItemIndexed:
		return "indexed"
	case ItemSkippedNotReady:
		return "model_not_ready"
	case ItemSkippedTransient:
		return "transient"
	case ItemSkippedUnsupported:
		return "unsupported"
	case ItemSkippedEmpty:
		return "empty_embedding"
	case ItemStoreError:
		return "store_error"
	case ItemRolledBack:
		return "rolled_back"
	case ItemCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type ItemOutcome struct {
	ID     string
	Status ItemStatus
	Err    error
}

// IndexResult contains the results of an indexing run.
type IndexResult struct {
	RunID          string
	Total          int
	AlreadyIndexed int
	Indexed        int
	Outcomes       []ItemOutcome
	FailedBatches  int
	Stopped        bool
	Duration       time.Duration
}

// SkipCounts counts outcomes other than ItemIndexed by status.
func (r *IndexResult) SkipCounts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, o := range r.Outcomes {
		if o.Status != ItemIndexed {
			counts[o.Status]++
		}
	}
	return counts
}

// EnsureResult reports what EnsureUpToDate found.
type EnsureResult struct {
	Pending   int
	Triggered bool
}

// Pipeline ingests unindexed photos into the vector store. One value owns
// the run state; at most one run is active at a time.
type Pipeline struct {
	store    port.VectorStore
	source   port.PhotoSource
	embedder port.EmbeddingProvider

	legacy       port.IndexedIDSource
	geocoder     port.Geocoder
	imageWarmer  port.ModelWarmer
	speechWarmer port.ModelWarmer
	batchSize    int
	schedule     func(task func())
	onProgress   func(domain.IndexingProgress)
	log          *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    PipelineState
	progress domain.IndexingProgress
	stop     atomic.Bool
}

type PipelineOption func(*Pipeline)

// WithLegacyCache adds ids recorded by an older index to the known set.
func WithLegacyCache(src port.IndexedIDSource) PipelineOption {
	return func(p *Pipeline) { p.legacy = src }
}

func WithGeocoder(g port.Geocoder) PipelineOption {
	return func(p *Pipeline) { p.geocoder = g }
}

// WithImageWarmer overrides the warmer used for the image encoder. By
// default the embedder is used when it implements port.ModelWarmer.
func WithImageWarmer(w port.ModelWarmer) PipelineOption {
	return func(p *Pipeline) { p.imageWarmer = w }
}

func WithSpeechWarmer(w port.ModelWarmer) PipelineOption {
	return func(p *Pipeline) { p.speechWarmer = w }
}

func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithScheduler sets how EnsureUpToDate runs background work.
func WithScheduler(schedule func(task func())) PipelineOption {
	return func(p *Pipeline) { p.schedule = schedule }
}

// WithProgress sets a callback invoked on every stage change and after
// every photo. It may be called from any goroutine.
func WithProgress(fn func(domain.IndexingProgress)) PipelineOption {
	return func(p *Pipeline) { p.onProgress = fn }
}

func WithLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(store port.VectorStore, source port.PhotoSource, embedder port.EmbeddingProvider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     store,
		source:    source,
		embedder:  embedder,
		batchSize: defaultBatchSize,
		schedule:  func(task func()) { go task() },
		now:       time.Now,
	}
	if w, ok := embedder.(port.ModelWarmer); ok {
		p.imageWarmer = w
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.OrNop(p.log)
	return p
}

func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Progress returns a snapshot of the current progress.
func (p *Pipeline) Progress() domain.IndexingProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Stop asks the running pipeline to finish. The photo being embedded
// completes, its batch is rolled back, and no further photo is embedded.
func (p *Pipeline) Stop() {
	p.stop.Store(true)
}

func (p *Pipeline) stopRequested(ctx context.Context) bool {
	return p.stop.Load() || ctx.Err() != nil
}

// Start runs one indexing pass. It returns ErrAlreadyRunning when a pass is
// in progress. Cancelling ctx has the same effect as Stop.
func (p *Pipeline) Start(ctx context.Context) (*IndexResult, error) {
	p.mu.Lock()
	if p.state == StateWarming || p.state == StateIngesting {
		p.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	p.state = StateWarming
	p.stop.Store(false)
	p.mu.Unlock()

	started := p.now()
	result := &IndexResult{RunID: uuid.NewString()}
	log := p.log.With(zap.String("run_id", result.RunID))

	err := p.run(ctx, result, log)
	result.Duration = p.now().Sub(started)

	p.mu.Lock()
	if result.Stopped {
		p.state = StateStopped
	} else {
		p.state = StateIdle
	}
	p.progress.Current = ""
	p.mu.Unlock()

	if err != nil {
		log.Error("indexing failed", zap.Error(err))
		return result, err
	}
	log.Info("indexing finished",
		zap.Int("total", result.Total),
		zap.Int("already_indexed", result.AlreadyIndexed),
		zap.Int("indexed", result.Indexed),
		zap.Int("failed_batches", result.FailedBatches),
		zap.Bool("stopped", result.Stopped),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, result *IndexResult, log *zap.Logger) error {
	if ts, ok, err := p.store.LastIndexedAt(); err == nil && ok {
		p.mu.Lock()
		p.progress.LastIndexedAt = ts
		p.mu.Unlock()
	}

	p.warm(ctx, log)
	if p.stopRequested(ctx) {
		result.Stopped = true
		return nil
	}

	photos, known, err := p.listAndKnown(ctx)
	if err != nil {
		return err
	}
	toProcess := unindexed(photos, known)
	result.Total = len(photos)
	result.AlreadyIndexed = len(photos) - len(toProcess)

	p.mu.Lock()
	p.state = StateIngesting
	p.mu.Unlock()
	p.update(func(pr *domain.IndexingProgress) {
		pr.Total = result.Total
		pr.Processed = result.AlreadyIndexed
		pr.Stage = domain.StageIndexing
		pr.StageProgress = ratio(pr.Processed, pr.Total)
		pr.Current = ""
	})
	log.Info("indexing started",
		zap.Int("total", result.Total),
		zap.Int("to_process", len(toProcess)),
		zap.Int("batch_size", p.batchSize))

	for start := 0; start < len(toProcess); start += p.batchSize {
		if p.stopRequested(ctx) {
			result.Stopped = true
			break
		}
		end := min(start+p.batchSize, len(toProcess))
		if stopped := p.runBatch(ctx, toProcess[start:end], result, log); stopped {
			result.Stopped = true
			break
		}
	}

	if result.Stopped {
		log.Info("indexing stopped", zap.Int("indexed", result.Indexed))
		return nil
	}

	ts := p.now().UnixMilli()
	if err := p.store.SetLastIndexedAt(ts); err != nil {
		return errors.Wrap(err, "record last indexed time")
	}
	p.update(func(pr *domain.IndexingProgress) {
		pr.LastIndexedAt = ts
		pr.StageProgress = 1
		pr.Current = ""
	})
	return nil
}

// warm loads the image and speech encoders. The text encoder loads on the
// first search instead. Failures are logged; indexing proceeds regardless.
func (p *Pipeline) warm(ctx context.Context, log *zap.Logger) {
	var warmers []port.ModelWarmer
	for _, w := range []port.ModelWarmer{p.imageWarmer, p.speechWarmer} {
		if w != nil {
			warmers = append(warmers, w)
		}
	}

	p.update(func(pr *domain.IndexingProgress) {
		pr.Stage = domain.StageModelWarmup
		pr.StageProgress = 0
		pr.Current = ""
	})
	n := float64(len(warmers))
	for i, w := range warmers {
		if p.stopRequested(ctx) {
			return
		}
		base := float64(i)
		report := func(f float64) {
			f = max(0, min(1, f))
			p.update(func(pr *domain.IndexingProgress) {
				if v := (base + f) / n; v > pr.StageProgress {
					pr.StageProgress = v
				}
			})
		}
		if err := w.Warm(ctx, report); err != nil {
			log.Warn("model warm-up failed", zap.String("model", w.Name()), zap.Error(err))
		}
		report(1)
	}
	if len(warmers) == 0 {
		p.update(func(pr *domain.IndexingProgress) { pr.StageProgress = 1 })
	}
}

func (p *Pipeline) listAndKnown(ctx context.Context) ([]domain.PhotoRecord, map[string]struct{}, error) {
	photos, err := p.source.ListAll(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list photos")
	}
	known, err := p.store.ListIndexedIDs()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list indexed ids")
	}
	if p.legacy != nil {
		legacy, err := p.legacy.IndexedIDs()
		if err != nil {
			p.log.Warn("legacy cache unreadable", zap.Error(err))
		}
		for id := range legacy {
			known[id] = struct{}{}
		}
	}
	return photos, known, nil
}

// unindexed returns photos whose id is not known, keeping order and
// dropping repeated ids.
func unindexed(photos []domain.PhotoRecord, known map[string]struct{}) []domain.PhotoRecord {
	seen := make(map[string]struct{}, len(photos))
	out := make([]domain.PhotoRecord, 0, len(photos))
	for _, ph := range photos {
		if _, ok := known[ph.ID]; ok {
			continue
		}
		if _, ok := seen[ph.ID]; ok {
			continue
		}
		seen[ph.ID] = struct{}{}
		out = append(out, ph)
	}
	return out
}

// runBatch processes one batch inside a store batch. It reports whether the
// run must stop.
func (p *Pipeline) runBatch(ctx context.Context, batch []domain.PhotoRecord, result *IndexResult, log *zap.Logger) bool {
	if err := p.store.BeginBatch(); err != nil {
		log.Error("begin batch failed", zap.Error(err))
		result.FailedBatches++
		p.abandon(batch, nil, result, err, true)
		return false
	}

	outcomes := make([]ItemOutcome, 0, len(batch))
	for i, photo := range batch {
		if p.stopRequested(ctx) {
			p.rollback(log)
			p.abandon(batch[i:], outcomes, result, nil, false)
			return true
		}

		p.update(func(pr *domain.IndexingProgress) { pr.Current = photo.ID })
		outcome := p.indexPhoto(ctx, photo, log)

		if outcome.Status == ItemCancelled {
			p.rollback(log)
			p.abandon(batch[i:], outcomes, result, outcome.Err, false)
			return true
		}

		outcomes = append(outcomes, outcome)
		p.advance(1)

		if outcome.Status == ItemStoreError {
			log.Error("store write failed, rolling back batch", zap.String("photo", photo.ID), zap.Error(outcome.Err))
			p.rollback(log)
			result.FailedBatches++
			p.abandon(batch[i+1:], outcomes, result, outcome.Err, true)
			return false
		}
	}

	if err := p.store.CommitBatch(); err != nil {
		log.Error("commit batch failed", zap.Error(err))
		p.rollback(log)
		result.FailedBatches++
		p.abandon(nil, outcomes, result, err, true)
		return false
	}

	for _, o := range outcomes {
		if o.Status == ItemIndexed {
			result.Indexed++
		}
	}
	result.Outcomes = append(result.Outcomes, outcomes...)
	return false
}

func (p *Pipeline) rollback(log *zap.Logger) {
	if err := p.store.RollbackBatch(); err != nil && !errors.Is(err, port.ErrNoBatch) {
		log.Error("rollback batch failed", zap.Error(err))
	}
}

// abandon records a rolled back batch: embedded photos and photos never
// reached are both marked ItemRolledBack. When the run goes on, progress
// advances past the photos not reached.
func (p *Pipeline) abandon(rest []domain.PhotoRecord, done []ItemOutcome, result *IndexResult, cause error, advance bool) {
	for _, o := range done {
		if o.Status == ItemIndexed {
			o.Status = ItemRolledBack
			o.Err = cause
		}
		result.Outcomes = append(result.Outcomes, o)
	}
	for _, ph := range rest {
		result.Outcomes = append(result.Outcomes, ItemOutcome{ID: ph.ID, Status: ItemRolledBack, Err: cause})
	}
	if advance && len(rest) > 0 {
		p.advance(len(rest))
	}
}

func (p *Pipeline) indexPhoto(ctx context.Context, photo domain.PhotoRecord, log *zap.Logger) ItemOutcome {
	vec, err := p.embedder.EmbedImage(ctx, photo.URI)
	if kind, ok := port.EmbedErrorKindOf(err); ok && kind == port.EmbedModelNotReady && p.imageWarmer != nil {
		log.Info("image encoder not ready, warming up", zap.String("photo", photo.ID))
		if werr := p.imageWarmer.Warm(ctx, nil); werr != nil {
			log.Warn("model warm-up failed", zap.String("model", p.imageWarmer.Name()), zap.Error(werr))
		}
		vec, err = p.embedder.EmbedImage(ctx, photo.URI)
	}

	if err != nil {
		if ctx.Err() != nil {
			return ItemOutcome{ID: photo.ID, Status: ItemCancelled, Err: err}
		}
		status := ItemSkippedTransient
		if kind, ok := port.EmbedErrorKindOf(err); ok {
			switch kind {
			case port.EmbedModelNotReady:
				status = ItemSkippedNotReady
			case port.EmbedUnsupported:
				status = ItemSkippedUnsupported
			}
		}
		log.Warn("skipping photo", zap.String("photo", photo.ID), zap.Stringer("reason", status), zap.Error(err))
		return ItemOutcome{ID: photo.ID, Status: status, Err: err}
	}
	if len(vec) == 0 {
		log.Warn("skipping photo", zap.String("photo", photo.ID), zap.Stringer("reason", ItemSkippedEmpty))
		return ItemOutcome{ID: photo.ID, Status: ItemSkippedEmpty}
	}

	entry := domain.IndexEntry{
		ID:        photo.ID,
		URI:       photo.URI,
		Embedding: vec,
		Timestamp: photo.CreatedAt,
	}
	p.locate(ctx, &entry, log)

	if err := p.store.UpsertIndexEntry(entry); err != nil {
		return ItemOutcome{ID: photo.ID, Status: ItemStoreError, Err: err}
	}
	return ItemOutcome{ID: photo.ID, Status: ItemIndexed}
}

// locate fills coordinates and city. Lookup failures leave them unset.
func (p *Pipeline) locate(ctx context.Context, entry *domain.IndexEntry, log *zap.Logger) {
	loc, err := p.source.AssetLocation(ctx, entry.ID)
	if err != nil {
		log.Debug("asset location unavailable", zap.String("photo", entry.ID), zap.Error(err))
		return
	}
	if loc == nil {
		return
	}
	lat, lon := loc.Latitude, loc.Longitude
	entry.Latitude, entry.Longitude = &lat, &lon

	if p.geocoder == nil {
		return
	}
	city, err := p.geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		log.Debug("reverse geocode failed", zap.String("photo", entry.ID), zap.Error(err))
		return
	}
	if city != "" {
		entry.City = &city
	}
}

// Pending counts photos that are neither in the store nor in the legacy
// cache. It embeds nothing.
func (p *Pipeline) Pending(ctx context.Context) (int, error) {
	photos, known, err := p.listAndKnown(ctx)
	if err != nil {
		return 0, err
	}
	return len(unindexed(photos, known)), nil
}

// EnsureUpToDate schedules a run when the library was never fully indexed
// or has pending photos. It returns without waiting for the run.
func (p *Pipeline) EnsureUpToDate(ctx context.Context) (EnsureResult, error) {
	switch p.State() {
	case StateWarming, StateIngesting:
		return EnsureResult{}, nil
	}

	pending, err := p.Pending(ctx)
	if err != nil {
		return EnsureResult{}, err
	}
	_, indexedBefore, err := p.store.LastIndexedAt()
	if err != nil {
		return EnsureResult{Pending: pending}, errors.Wrap(err, "read last indexed time")
	}
	if indexedBefore && pending == 0 {
		return EnsureResult{Pending: 0}, nil
	}

	p.schedule(func() {
		if _, err := p.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			p.log.Error("background indexing failed", zap.Error(err))
		}
	})
	return EnsureResult{Pending: pending, Triggered: true}, nil
}

func (p *Pipeline) advance(n int) {
	p.update(func(pr *domain.IndexingProgress) {
		pr.Processed += n
		if pr.Processed > pr.Total {
			pr.Processed = pr.Total
		}
		pr.StageProgress = ratio(pr.Processed, pr.Total)
	})
}

// update mutates progress under the lock and notifies the callback with a
// copy outside it.
func (p *Pipeline) update(fn func(*domain.IndexingProgress)) {
	p.mu.Lock()
	fn(&p.progress)
	snapshot := p.progress
	p.mu.Unlock()

	if p.onProgress != nil {
		p.onProgress(snapshot)
	}
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(n) / float64(total)
}
