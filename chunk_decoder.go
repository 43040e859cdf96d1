package snowflake

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/gzip"
)

// resultFormat is the encoding of a result set.
type resultFormat string

const (
	formatJSON  resultFormat = "json"
	formatArrow resultFormat = "arrow"
)

// inlineChunk is the ordinal reported for failures in the inline rowset.
const inlineChunk = -1

var gzipMagic = []byte{0x1f, 0x8b}

// decodeInline decodes the rowset embedded in a response, if any.
func decodeInline(data *execResponseData, format resultFormat) (*Batch, error) {
	switch {
	case format == formatArrow && data.RowSetBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(data.RowSetBase64)
		if err != nil {
			return nil, &DecodeError{Chunk: inlineChunk, Err: fmt.Errorf("rowsetBase64: %w", err)}
		}
		return decodeArrowChunk(inlineChunk, raw, data.RowType)
	case len(data.RowSet) > 0:
		rows, err := convertJSONRows(data.RowSet, data.RowType)
		if err != nil {
			return nil, &DecodeError{Chunk: inlineChunk, Err: err}
		}
		return &Batch{Chunk: inlineChunk, Rows: rows}, nil
	default:
		return nil, nil
	}
}

// decodeChunk decompresses a downloaded chunk body when needed and decodes
// it in the descriptor's format.
func decodeChunk(desc chunkDescriptor, body []byte, columns []Column) (*Batch, error) {
	if bytes.HasPrefix(body, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &DecodeError{Chunk: desc.Ordinal, Err: fmt.Errorf("gzip: %w", err)}
		}
		inflated, err := io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return nil, &DecodeError{Chunk: desc.Ordinal, Err: fmt.Errorf("gzip: %w", err)}
		}
		body = inflated
	} else if desc.Compressed && desc.UncompressedSize > 0 && int64(len(body)) != desc.UncompressedSize {
		return nil, &DecodeError{Chunk: desc.Ordinal, Err: fmt.Errorf("expected %d bytes after decompression, got %d", desc.UncompressedSize, len(body))}
	}

	if desc.Format == formatArrow {
		return decodeArrowChunk(desc.Ordinal, body, columns)
	}
	return decodeJSONChunk(desc.Ordinal, body, columns)
}

// decodeJSONChunk parses a chunk body, which holds comma separated row
// arrays without the enclosing brackets.
func decodeJSONChunk(ordinal int, body []byte, columns []Column) (*Batch, error) {
	wrapped := make([]byte, 0, len(body)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, body...)
	wrapped = append(wrapped, ']')

	var raw [][]*string
	if err := json.Unmarshal(wrapped, &raw); err != nil {
		return nil, &DecodeError{Chunk: ordinal, Err: err}
	}
	rows, err := convertJSONRows(raw, columns)
	if err != nil {
		return nil, &DecodeError{Chunk: ordinal, Err: err}
	}
	return &Batch{Chunk: ordinal, Rows: rows}, nil
}

func convertJSONRows(raw [][]*string, columns []Column) ([]Row, error) {
	rows := make([]Row, len(raw))
	for i, cells := range raw {
		if len(cells) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(cells), len(columns))
		}
		row := make(Row, len(cells))
		for j, cell := range cells {
			v, err := convertJSONValue(cell, columns[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, columns[j].Name, err)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

// decodeArrowChunk reads an Arrow IPC stream, keeping the record batches and
// materializing typed rows.
func decodeArrowChunk(ordinal int, body []byte, columns []Column) (batch *Batch, err error) {
	rdr, err := ipc.NewReader(bytes.NewReader(body), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, &DecodeError{Chunk: ordinal, Err: fmt.Errorf("arrow stream: %w", err)}
	}
	defer rdr.Release()

	batch = &Batch{Chunk: ordinal}
	defer func() {
		if err != nil {
			batch.Release()
			batch = nil
		}
	}()

	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		batch.Records = append(batch.Records, rec)

		rows, err := arrowRows(rec, columns)
		if err != nil {
			return batch, &DecodeError{Chunk: ordinal, Err: err}
		}
		batch.Rows = append(batch.Rows, rows...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return batch, &DecodeError{Chunk: ordinal, Err: fmt.Errorf("arrow stream: %w", err)}
	}
	return batch, nil
}

func arrowRows(rec arrow.Record, columns []Column) ([]Row, error) {
	ncols := int(rec.NumCols())
	if ncols != len(columns) {
		return nil, fmt.Errorf("record has %d columns, expected %d", ncols, len(columns))
	}
	rows := make([]Row, rec.NumRows())
	for i := range rows {
		rows[i] = make(Row, ncols)
	}
	for j := 0; j < ncols; j++ {
		col := rec.Column(j)
		for i := range rows {
			v, err := convertArrowValue(col, i, columns[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, columns[j].Name, err)
			}
			rows[i][j] = v
		}
	}
	return rows, nil
}
