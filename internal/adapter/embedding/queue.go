package embedding

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// ErrQueueClosed is returned for image requests submitted after Close.
var ErrQueueClosed = errors.New("image queue closed")

const defaultQueueDepth = 64

var (
	_ port.EmbeddingProvider = (*ImageQueue)(nil)
	_ port.ModelWarmer       = (*ImageQueue)(nil)
)

// ImageQueue serializes image embedding calls of the wrapped provider.
// Requests from every caller run one at a time on a single worker, in the
// order they were submitted. Text calls go straight to the provider.
type ImageQueue struct {
	inner port.EmbeddingProvider
	log   *zap.Logger

	jobs      chan imageJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// imageJob is one unit of image-encoder work. Warm-ups run as jobs too,
// so they queue behind and ahead of embeddings like any other inference.
type imageJob struct {
	ctx   context.Context
	run   func(ctx context.Context) ([]float32, error)
	reply chan imageReply
}

type imageReply struct {
	vec []float32
	err error
}

func NewImageQueue(inner port.EmbeddingProvider, log *zap.Logger) *ImageQueue {
	q := &ImageQueue{
		inner: inner,
		log:   logging.OrNop(log),
		jobs:  make(chan imageJob, defaultQueueDepth),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *ImageQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.handle(job)
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *ImageQueue) handle(job imageJob) {
	// The caller gave up while the job was queued.
	if err := job.ctx.Err(); err != nil {
		job.reply <- imageReply{err: err}
		return
	}
	vec, err := job.run(job.ctx)
	job.reply <- imageReply{vec: vec, err: err}
}

func (q *ImageQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			job.reply <- imageReply{err: ErrQueueClosed}
		default:
			return
		}
	}
}

// submit hands fn to the worker and blocks until it has run or ctx is done.
func (q *ImageQueue) submit(ctx context.Context, fn func(context.Context) ([]float32, error)) ([]float32, error) {
	job := imageJob{ctx: ctx, run: fn, reply: make(chan imageReply, 1)}

	select {
	case <-q.done:
		return nil, ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	}

	select {
	case r := <-job.reply:
		return r.vec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		// The job may have been enqueued after the worker drained. Once the
		// worker is gone every reply it owed has been sent.
		q.wg.Wait()
		select {
		case r := <-job.reply:
			return r.vec, r.err
		default:
			return nil, ErrQueueClosed
		}
	}
}

// EmbedImage blocks until the request has been served or ctx is done.
func (q *ImageQueue) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	return q.submit(ctx, func(ctx context.Context) ([]float32, error) {
		return q.inner.EmbedImage(ctx, path)
	})
}

func (q *ImageQueue) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return q.inner.EmbedText(ctx, text)
}

func (q *ImageQueue) Dimension() int    { return q.inner.Dimension() }
func (q *ImageQueue) ModelName() string { return q.inner.ModelName() }

// Queued returns the number of requests waiting for the worker.
func (q *ImageQueue) Queued() int { return len(q.jobs) }

// Warm runs the wrapped provider's warm-up on the worker, in turn with
// queued embeddings.
func (q *ImageQueue) Warm(ctx context.Context, report func(float64)) error {
	w, ok := q.inner.(port.ModelWarmer)
	if !ok {
		if report != nil {
			report(1)
		}
		return nil
	}
	_, err := q.submit(ctx, func(ctx context.Context) ([]float32, error) {
		return nil, w.Warm(ctx, report)
	})
	return err
}

func (q *ImageQueue) Name() string {
	if w, ok := q.inner.(port.ModelWarmer); ok {
		return w.Name()
	}
	return "image:" + q.inner.ModelName()
}

// Close stops the worker after the request in flight finishes. Requests
// still queued fail with ErrQueueClosed.
func (q *ImageQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		q.log.Debug("image queue closed")
	})
	return nil
}
