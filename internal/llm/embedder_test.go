package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbeddings struct {
	dim int
}

func (s stubEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s stubEmbeddings) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, s.dim), nil
}

func TestEmbedderValidatesDimension(t *testing.T) {
	e := newEmbedder(stubEmbeddings{dim: 4}, "stub", 4, time.Second, nil, nil)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)

	wrong := newEmbedder(stubEmbeddings{dim: 3}, "stub", 4, time.Second, nil, nil)
	_, err = wrong.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := newEmbedder(stubEmbeddings{dim: 4}, "stub", 4, time.Second, nil, nil)
	v, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, v)
}
