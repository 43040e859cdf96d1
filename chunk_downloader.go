package snowflake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxChunkPrealloc caps the buffer reserved up front from declared chunk sizes.
const maxChunkPrealloc = 64 << 20

// chunkDescriptor locates one remotely stored result chunk.
type chunkDescriptor struct {
	Ordinal          int
	URL              string
	RowCount         int64
	UncompressedSize int64
	CompressedSize   int64
	Format           resultFormat
	Compressed       bool
}

type chunkResult struct {
	batch *Batch
	err   error
}

// chunkDownloader fetches chunks with bounded concurrency and hands them out
// strictly in ordinal order. At most window chunks are fetched or buffered
// ahead of the consumer.
type chunkDownloader struct {
	client  *Client
	columns []Column
	chunks  []chunkDescriptor
	headers map[string]string

	// slots[i] receives exactly one result for chunk i, unless the producer
	// stopped before launching it
	slots  []chan chunkResult
	window chan struct{}
	cursor int

	cancel   context.CancelFunc
	finished chan struct{}

	mu      sync.Mutex
	failure error

	closeOnce sync.Once
}

func newChunkDownloader(ctx context.Context, c *Client, columns []Column, chunks []chunkDescriptor, headers map[string]string, workers int) *chunkDownloader {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &chunkDownloader{
		client:   c,
		columns:  columns,
		chunks:   chunks,
		headers:  headers,
		slots:    make([]chan chunkResult, len(chunks)),
		window:   make(chan struct{}, 2*workers),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	for i := range d.slots {
		d.slots[i] = make(chan chunkResult, 1)
	}
	go d.run(ctx, workers)
	return d
}

func (d *chunkDownloader) run(ctx context.Context, workers int) {
	defer close(d.finished)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

launch:
	for _, desc := range d.chunks {
		select {
		case d.window <- struct{}{}:
		case <-gctx.Done():
			break launch
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			batch, err := d.fetch(gctx, desc)
			if err != nil {
				d.fail(err)
			}
			d.slots[desc.Ordinal] <- chunkResult{batch: batch, err: err}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Msg("chunk download stopped")
	}
}

// fail records the first failure. Failures caused by the cancellation that
// follows it are not recorded, so the original cause is what callers see.
func (d *chunkDownloader) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure == nil {
		d.failure = err
	}
}

func (d *chunkDownloader) firstFailure(fallback error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure != nil {
		return d.failure
	}
	return fallback
}

// next returns the batch of the next ordinal, waiting for its download.
func (d *chunkDownloader) next(ctx context.Context) (*Batch, error) {
	if d.cursor >= len(d.chunks) {
		return nil, io.EOF
	}
	slot := d.slots[d.cursor]

	var res chunkResult
	select {
	case res = <-slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.finished:
		select {
		case res = <-slot:
		default:
			return nil, d.firstFailure(context.Canceled)
		}
	}
	if res.err != nil {
		return nil, d.firstFailure(res.err)
	}

	<-d.window
	d.cursor++
	return res.batch, nil
}

// close cancels in-flight downloads and releases buffered batches.
func (d *chunkDownloader) close() {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.finished
		for _, slot := range d.slots {
			select {
			case res := <-slot:
				res.batch.Release()
			default:
			}
		}
	})
}

// preallocSize is the declared chunk size clamped to [0, maxChunkPrealloc].
func preallocSize(desc chunkDescriptor) int {
	return int(min(max(desc.UncompressedSize, desc.CompressedSize, 0), maxChunkPrealloc))
}

func (d *chunkDownloader) fetch(ctx context.Context, desc chunkDescriptor) (*Batch, error) {
	req, err := d.client.NewRequest(http.MethodGet, desc.URL, nil, func(req *http.Request) {
		for k, v := range d.headers {
			req.Header.Set(k, v)
		}
	})
	if err != nil {
		return nil, &DecodeError{Chunk: desc.Ordinal, Err: fmt.Errorf("invalid chunk URL: %w", err)}
	}

	buf := bytes.NewBuffer(make([]byte, 0, preallocSize(desc)))
	if _, err := d.client.Do(ctx, req, buf); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Chunk = desc.Ordinal
			return nil, de
		}
		return nil, fmt.Errorf("fetch chunk %d: %w", desc.Ordinal, err)
	}

	batch, err := decodeChunk(desc, buf.Bytes(), d.columns)
	if err != nil {
		return nil, err
	}
	if desc.RowCount > 0 && int64(len(batch.Rows)) != desc.RowCount {
		batch.Release()
		return nil, &DecodeError{Chunk: desc.Ordinal, Err: fmt.Errorf("expected %d rows, got %d", desc.RowCount, len(batch.Rows))}
	}
	log.Debug().Int("chunk", desc.Ordinal).Int("rows", len(batch.Rows)).Msg("chunk downloaded")
	return batch, nil
}
