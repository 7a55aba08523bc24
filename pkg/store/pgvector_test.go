package store_test

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragpipe/pkg/store"
)

var testSpec = store.IndexSpec{
	Name:      "chunks",
	Dimension: 3,
	Metric:    store.MetricCosine,
}

func expectEnsureIndex(mock pgxmock.PgxPoolIface, exists bool, opclass string) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("chunks").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(exists))
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "chunks"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "chunks_embedding_idx" ON "chunks" USING hnsw \(embedding ` + opclass + `\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func TestPgvectorEnsureIndex(t *testing.T) {
	tests := []struct {
		name    string
		metric  store.Metric
		exists  bool
		opclass string
	}{
		{"new cosine table", store.MetricCosine, false, "vector_cosine_ops"},
		{"existing euclidean table", store.MetricEuclidean, true, "vector_l2_ops"},
		{"dot product", store.MetricDotProduct, false, "vector_ip_ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			expectEnsureIndex(mock, tt.exists, tt.opclass)

			spec := testSpec
			spec.Metric = tt.metric
			handle, err := store.NewPgvectorWithPool(mock).EnsureIndex(context.Background(), spec)
			require.NoError(t, err)

			assert.Equal(t, "chunks", handle.Name)
			assert.Equal(t, 3, handle.Dimension)
			assert.Equal(t, string(tt.metric), handle.Metric)
			assert.Equal(t, !tt.exists, handle.Created)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPgvectorRequiresIndex(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pg := store.NewPgvectorWithPool(mock)
	assert.ErrorIs(t, pg.Upsert(context.Background(), []store.Record{{ID: "a"}}), store.ErrIndexNotReady)

	_, err = pg.Query(context.Background(), []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, store.ErrIndexNotReady)
}

func TestPgvectorUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectEnsureIndex(mock, false, "vector_cosine_ops")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "chunks"`).
		WithArgs("id-1", "first chunk", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO "chunks"`).
		WithArgs("id-2", "bad  bytes", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	pg := store.NewPgvectorWithPool(mock)
	_, err = pg.EnsureIndex(context.Background(), testSpec)
	require.NoError(t, err)

	err = pg.Upsert(context.Background(), []store.Record{
		{ID: "id-1", Values: []float32{1, 0, 0}, Content: "first chunk", Metadata: map[string]any{"source_file": "a.txt"}},
		{ID: "id-2", Values: []float32{0, 1, 0}, Content: "bad \xff bytes", Metadata: map[string]any{"source_file": "b.txt"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgvectorQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectEnsureIndex(mock, true, "vector_cosine_ops")
	mock.ExpectQuery(`SELECT id, content, metadata, embedding <=> \$1 AS distance`).
		WithArgs(pgxmock.AnyArg(), 2).
		WillReturnRows(mock.NewRows([]string{"id", "content", "metadata", "distance"}).
			AddRow("id-1", "first chunk", []byte(`{"source_file":"a.txt","chunk_index":0}`), 0.25).
			AddRow("id-2", "second chunk", []byte(`{"source_file":"b.txt","chunk_index":3}`), 0.5))

	pg := store.NewPgvectorWithPool(mock)
	_, err = pg.EnsureIndex(context.Background(), testSpec)
	require.NoError(t, err)

	matches, err := pg.Query(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "id-1", matches[0].ID)
	assert.Equal(t, "first chunk", matches[0].Content)
	assert.InDelta(t, 0.75, matches[0].Score, 1e-9)
	assert.Equal(t, "a.txt", matches[0].Metadata["source_file"])
	assert.InDelta(t, 0.5, matches[1].Score, 1e-9)
	assert.Equal(t, float64(3), matches[1].Metadata["chunk_index"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
