package snowflake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
)

// Statement type ids reported for DML statements.
const (
	statementTypeIDDML    = int64(0x3000)
	statementTypeIDDMLEnd = int64(0x4000)
)

// execResponse is the envelope of query-request and result polling calls.
type execResponse struct {
	Data    execResponseData `json:"data"`
	Message string           `json:"message"`
	Code    string           `json:"code"`
	Success bool             `json:"success"`
}

type execResponseData struct {
	// Result set
	RowType           []Column          `json:"rowtype,omitempty"`
	RowSet            [][]*string       `json:"rowset,omitempty"`
	RowSetBase64      string            `json:"rowsetBase64,omitempty"`
	Total             int64             `json:"total,omitempty"`
	Returned          int64             `json:"returned,omitempty"`
	QueryID           string            `json:"queryId,omitempty"`
	StatementTypeID   int64             `json:"statementTypeId,omitempty"`
	Chunks            []chunkInfo       `json:"chunks,omitempty"`
	ChunkHeaders      map[string]string `json:"chunkHeaders,omitempty"`
	Qrmk              string            `json:"qrmk,omitempty"`
	QueryResultFormat string            `json:"queryResultFormat,omitempty"`

	FinalDatabaseName  string `json:"finalDatabaseName,omitempty"`
	FinalSchemaName    string `json:"finalSchemaName,omitempty"`
	FinalWarehouseName string `json:"finalWarehouseName,omitempty"`
	FinalRoleName      string `json:"finalRoleName,omitempty"`

	// Asynchronous execution
	GetResultURL         string `json:"getResultUrl,omitempty"`
	QueryAbortsAfterSecs int64  `json:"queryAbortsAfterSecs,omitempty"`

	// Failure details
	ErrorCode string `json:"errorCode,omitempty"`
	SQLState  string `json:"sqlState,omitempty"`
	Line      int    `json:"line,omitempty"`
	Pos       int    `json:"pos,omitempty"`

	// Staging directive (PUT/GET)
	Command            string                 `json:"command,omitempty"`
	SrcLocations       []string               `json:"src_locations,omitempty"`
	LocalLocation      string                 `json:"localLocation,omitempty"`
	Parallel           int64                  `json:"parallel,omitempty"`
	Threshold          int64                  `json:"threshold,omitempty"`
	AutoCompress       bool                   `json:"autoCompress,omitempty"`
	Overwrite          bool                   `json:"overwrite,omitempty"`
	SourceCompression  string                 `json:"sourceCompression,omitempty"`
	StageInfo          *stageInfo             `json:"stageInfo,omitempty"`
	EncryptionMaterial encryptionMaterialList `json:"encryptionMaterial,omitempty"`
	PresignedURLs      []string               `json:"presignedUrls,omitempty"`
}

type chunkInfo struct {
	URL              string `json:"url"`
	RowCount         int64  `json:"rowCount"`
	UncompressedSize int64  `json:"uncompressedSize"`
	CompressedSize   int64  `json:"compressedSize"`
}

// Row is one decoded result row. Values are nil, int64, float64, bool,
// string, []byte or time.Time depending on the column type; FIXED columns
// with a non-zero scale decode to their exact decimal string.
type Row []any

// Batch is one unit of the result stream: the inline rowset or one chunk.
type Batch struct {
	// Chunk is the chunk ordinal, or -1 for the rowset returned inline
	Chunk int

	Rows []Row

	// Records holds the Arrow record batches of Arrow encoded results.
	// They are released by Release or after a Drain handler returns.
	Records []arrow.Record
}

// Release frees the Arrow memory held by the batch.
func (b *Batch) Release() {
	if b == nil {
		return
	}
	for _, rec := range b.Records {
		rec.Release()
	}
	b.Records = nil
}

// BatchHandler processes one batch of results.
type BatchHandler func(b *Batch) error

// Results is the row stream of an executed statement. Batches are emitted
// strictly in order: the inline rowset first, then chunks 0..N-1.
type Results struct {
	// QueryID is the warehouse-assigned statement id
	QueryID string

	// Columns describes the result set
	Columns []Column

	// StatementTypeID is the warehouse statement classification
	StatementTypeID int64

	// Total is the total row count reported by the warehouse
	Total int64

	// Transfer holds per-file outcomes for PUT and GET statements
	Transfer *TransferResult

	inline       *Batch
	downloader   *chunkDownloader
	rowsAffected int64
	err          error
	done         bool
}

// NextBatch returns the next batch in order, or io.EOF when the stream is
// exhausted. After an error every later call returns the same error.
func (r *Results) NextBatch(ctx context.Context) (*Batch, error) {
	if r == nil {
		return nil, errors.New("cannot fetch next batch: nil Results")
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}
	if b := r.inline; b != nil {
		r.inline = nil
		return b, nil
	}
	if r.downloader == nil {
		r.done = true
		return nil, io.EOF
	}
	b, err := r.downloader.next(ctx)
	if errors.Is(err, io.EOF) {
		r.done = true
		return nil, io.EOF
	}
	if err != nil {
		r.err = err
		r.downloader.close()
		return nil, err
	}
	return b, nil
}

// Drain passes every remaining batch to handler and releases it afterwards.
func (r *Results) Drain(ctx context.Context, handler BatchHandler) error {
	if r == nil {
		return errors.New("cannot drain results: nil Results")
	}
	for {
		b, err := r.NextBatch(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain operation failed for query %s: %w", r.QueryID, err)
		}
		if handler != nil {
			if err := handler(b); err != nil {
				b.Release()
				r.Close()
				return fmt.Errorf("batch handler returned error for query %s: %w", r.QueryID, err)
			}
		}
		b.Release()
	}
}

// Rows iterates over every remaining row. Iteration stops after the first
// error, which is yielded with a nil row.
func (r *Results) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			b, err := r.NextBatch(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			rows := b.Rows
			b.Release()
			for _, row := range rows {
				if !yield(row, nil) {
					r.Close()
					return
				}
			}
		}
	}
}

// RowsAffected returns the number of rows changed by a DML statement and
// zero for any other statement.
func (r *Results) RowsAffected() int64 {
	return r.rowsAffected
}

// IsDML reports whether the statement was an INSERT, UPDATE, DELETE, MERGE
// or multi-table insert.
func (r *Results) IsDML() bool {
	return r.StatementTypeID >= statementTypeIDDML && r.StatementTypeID < statementTypeIDDMLEnd
}

// Close stops in-flight chunk downloads and releases buffered batches.
func (r *Results) Close() error {
	if r == nil {
		return nil
	}
	r.done = true
	r.inline.Release()
	r.inline = nil
	if r.downloader != nil {
		r.downloader.close()
	}
	return nil
}

// newResults assembles the stream of a successful response. The inline
// rowset is decoded eagerly; chunk downloads start immediately.
func (c *Client) newResults(ctx context.Context, data *execResponseData) (*Results, error) {
	r := &Results{
		QueryID:         data.QueryID,
		Columns:         data.RowType,
		StatementTypeID: data.StatementTypeID,
		Total:           data.Total,
	}

	format := formatJSON
	if data.QueryResultFormat == string(formatArrow) {
		format = formatArrow
	}

	inline, err := decodeInline(data, format)
	if err != nil {
		return nil, err
	}
	if inline != nil && (len(inline.Rows) > 0 || len(inline.Records) > 0) {
		r.inline = inline
	}
	if r.IsDML() && inline != nil && len(inline.Rows) > 0 {
		r.rowsAffected = sumAffected(inline.Rows[0])
	}

	if len(data.Chunks) > 0 {
		descriptors := make([]chunkDescriptor, len(data.Chunks))
		for i, ch := range data.Chunks {
			descriptors[i] = chunkDescriptor{
				Ordinal:          i,
				URL:              ch.URL,
				RowCount:         ch.RowCount,
				UncompressedSize: ch.UncompressedSize,
				CompressedSize:   ch.CompressedSize,
				Format:           format,
				Compressed:       ch.CompressedSize > 0 && ch.CompressedSize != ch.UncompressedSize,
			}
		}
		r.downloader = newChunkDownloader(ctx, c, r.Columns, descriptors, chunkRequestHeaders(data), c.cfg.ChunkWorkers)
	}
	return r, nil
}

// sumAffected adds up the per-table counts in the first row of a DML result.
func sumAffected(row Row) int64 {
	var n int64
	for _, v := range row {
		if i, ok := v.(int64); ok {
			n += i
		}
	}
	return n
}

// chunkRequestHeaders returns the headers presented to chunk storage: the
// explicit chunk headers, or SSE-C headers derived from the result master key.
func chunkRequestHeaders(data *execResponseData) map[string]string {
	if len(data.ChunkHeaders) > 0 {
		return data.ChunkHeaders
	}
	if data.Qrmk != "" {
		return map[string]string{
			headerSSECAlgorithm: headerSSECAES,
			headerSSECKey:       data.Qrmk,
		}
	}
	return nil
}
