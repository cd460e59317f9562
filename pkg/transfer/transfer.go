package transfer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   = 50 * 1024 * 1024
	DefaultConcurrency = 4
	DefaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryCap    = 30 * time.Second
)

// Options bounds one transfer: ChunkSize splits the object into
// independently retryable byte ranges, Concurrency caps how many chunk
// operations are in flight at once, MaxAttempts is the per-chunk retry
// budget.
type Options struct {
	ChunkSize   int64
	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = defaultRetryCap
	}
	return o
}

// Transferrer performs parallel chunked downloads and uploads against an
// object store. A chunk that exhausts its retries fails the whole transfer
// with the triggering error wrapped; partial local artifacts are the
// caller's to clean up.
type Transferrer struct {
	store ObjectStore
	opts  Options
}

func New(store ObjectStore, opts Options) *Transferrer {
	return &Transferrer{store: store, opts: opts.withDefaults()}
}

// Download fetches bucket/key into dest. Returns the number of bytes
// transferred.
func (t *Transferrer) Download(ctx context.Context, bucket, key, dest string) (int64, error) {
	size, err := t.withRetry(ctx, fmt.Sprintf("stat %s/%s", bucket, key), func() (int64, error) {
		return t.store.Stat(ctx, bucket, key)
	})
	if err != nil {
		return 0, err
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return 0, fmt.Errorf("preallocate %s: %w", dest, err)
	}
	if size == 0 {
		return 0, nil
	}

	chunks := int(math.Ceil(float64(size) / float64(t.opts.ChunkSize)))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i := 0; i < chunks; i++ {
		offset := int64(i) * t.opts.ChunkSize
		length := min(t.opts.ChunkSize, size-offset)
		g.Go(func() error {
			_, err := t.withRetry(gctx, fmt.Sprintf("get %s/%s range %d+%d", bucket, key, offset, length), func() (int64, error) {
				return t.downloadChunk(gctx, bucket, key, f, offset, length)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	log.Debug().Str("action", "transfer.download").
		Str("bucket", bucket).Str("key", key).
		Int64("bytes", size).Int("chunks", chunks).Msg("download complete")
	return size, nil
}

func (t *Transferrer) downloadChunk(ctx context.Context, bucket, key string, f *os.File, offset, length int64) (int64, error) {
	rc, err := t.store.GetRange(ctx, bucket, key, offset, length)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	// WriteAt on a shared *os.File is safe for concurrent chunk writers.
	n, err := io.Copy(io.NewOffsetWriter(f, offset), io.LimitReader(rc, length))
	if err != nil {
		return n, err
	}
	if n != length {
		return n, fmt.Errorf("short read: got %d of %d bytes", n, length)
	}
	return n, nil
}

// Upload pushes the local file src to bucket/key. Objects no larger than one
// chunk go up as a single put; larger ones go up as part objects that are
// composed server-side and then removed.
func (t *Transferrer) Upload(ctx context.Context, bucket, src, key string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	size := info.Size()

	if size <= t.opts.ChunkSize {
		_, err := t.withRetry(ctx, fmt.Sprintf("put %s/%s", bucket, key), func() (int64, error) {
			f, err := os.Open(src)
			if err != nil {
				return 0, err
			}
			defer f.Close()
			return size, t.store.Put(ctx, bucket, key, f, size)
		})
		return err
	}

	chunks := int(math.Ceil(float64(size) / float64(t.opts.ChunkSize)))
	parts := make([]string, chunks)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s.part.%06d", key, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i := 0; i < chunks; i++ {
		offset := int64(i) * t.opts.ChunkSize
		length := min(t.opts.ChunkSize, size-offset)
		part := parts[i]
		g.Go(func() error {
			_, err := t.withRetry(gctx, fmt.Sprintf("put %s/%s", bucket, part), func() (int64, error) {
				f, err := os.Open(src)
				if err != nil {
					return 0, err
				}
				defer f.Close()
				return length, t.store.Put(gctx, bucket, part, io.NewSectionReader(f, offset, length), length)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.removeParts(bucket, parts)
		return err
	}

	if _, err := t.withRetry(ctx, fmt.Sprintf("compose %s/%s", bucket, key), func() (int64, error) {
		return size, t.store.Compose(ctx, bucket, key, parts)
	}); err != nil {
		t.removeParts(bucket, parts)
		return err
	}
	t.removeParts(bucket, parts)

	log.Debug().Str("action", "transfer.upload").
		Str("bucket", bucket).Str("key", key).
		Int64("bytes", size).Int("chunks", chunks).Msg("upload complete")
	return nil
}

// removeParts is best effort: a leaked part object costs storage, not
// correctness.
func (t *Transferrer) removeParts(bucket string, parts []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, part := range parts {
		if err := t.store.Remove(ctx, bucket, part); err != nil {
			log.Warn().Err(err).Str("bucket", bucket).Str("key", part).Msg("part cleanup failed")
		}
	}
}

func (t *Transferrer) withRetry(ctx context.Context, op string, fn func() (int64, error)) (int64, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		n, err := fn()
		if err == nil {
			return n, nil
		}
		lastErr = err
		attempts = attempt
		if ctx.Err() != nil {
			break
		}
		if attempt == t.opts.MaxAttempts {
			break
		}
		backoff := t.opts.RetryBase << (attempt - 1)
		if backoff > t.opts.RetryCap {
			backoff = t.opts.RetryCap
		}
		log.Warn().Err(err).Str("op", op).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("chunk operation failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return 0, fmt.Errorf("%s after %d attempts: %w", op, attempts, lastErr)
}
