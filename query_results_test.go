package snowflake

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBatch_NilResults(t *testing.T) {
	var r *Results
	_, err := r.NextBatch(context.Background())
	assert.ErrorContains(t, err, "nil Results")
	assert.NoError(t, r.Close())
}

func TestNextBatch_EmptyResults(t *testing.T) {
	r := &Results{}
	_, err := r.NextBatch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.NextBatch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewResults_InlineRowset(t *testing.T) {
	c := &Client{}
	data := &execResponseData{
		QueryID:         "q1",
		RowType:         []Column{{Name: "number of rows inserted", Type: "fixed"}, {Name: "number of multi-joined rows updated", Type: "fixed"}},
		RowSet:          [][]*string{{strPtr("3"), strPtr("2")}},
		StatementTypeID: 0x3400,
		Total:           1,
	}
	r, err := c.newResults(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, r.IsDML())
	assert.Equal(t, int64(5), r.RowsAffected())

	b, err := r.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inlineChunk, b.Chunk)
	_, err = r.NextBatch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewResults_InvalidInlineRow(t *testing.T) {
	c := &Client{}
	_, err := c.newResults(context.Background(), &execResponseData{
		RowType: []Column{{Name: "A", Type: "boolean"}},
		RowSet:  [][]*string{{strPtr("maybe")}},
	})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, inlineChunk, decodeErr.Chunk)
}

func TestRows_EarlyBreakCloses(t *testing.T) {
	r := &Results{inline: &Batch{Chunk: inlineChunk, Rows: []Row{{int64(1)}, {int64(2)}}}}
	for row, err := range r.Rows(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, Row{int64(1)}, row)
		break
	}
	_, err := r.NextBatch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkRequestHeaders(t *testing.T) {
	t.Run("explicit headers win", func(t *testing.T) {
		h := chunkRequestHeaders(&execResponseData{ChunkHeaders: map[string]string{"a": "b"}, Qrmk: "k"})
		assert.Equal(t, map[string]string{"a": "b"}, h)
	})
	t.Run("derived from qrmk", func(t *testing.T) {
		h := chunkRequestHeaders(&execResponseData{Qrmk: "k"})
		assert.Equal(t, "AES256", h[headerSSECAlgorithm])
		assert.Equal(t, "k", h[headerSSECKey])
	})
	t.Run("none", func(t *testing.T) {
		assert.Nil(t, chunkRequestHeaders(&execResponseData{}))
	})
}

func strPtr(s string) *string { return &s }
