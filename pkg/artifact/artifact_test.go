package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewService(db, blobs)
}

func TestRegister_ReproducibleSHA(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	obj := map[string]any{"b": 2, "a": "é"}
	id1, err := s.RegisterJSON(ctx, "v1", KindPageMap, obj, "canonical/v1/page_map.json", "gen", "1")
	require.NoError(t, err)
	// Re-registration is a new revision row but identical bytes and sha.
	id2, err := s.RegisterJSON(ctx, "v1", KindPageMap, obj, "canonical/v1/page_map.json", "gen", "1")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	a1, err := s.Get(ctx, id1)
	require.NoError(t, err)
	a2, err := s.Get(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, a1.SHA256, a2.SHA256)
	require.Equal(t, a1.StorageURI, a2.StorageURI)

	b, err := s.ReadBytes(ctx, a1)
	require.NoError(t, err)
	require.Equal(t, `{"a":"é","b":2}`, string(b))
	require.Equal(t, canonicaljson.HashBytes(b), a1.SHA256)
}

func TestStoreCanonical_KeysAndKinds(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	pageMap := []map[string]any{{"page": 1, "start_char": 0, "end_char": 5}}
	layoutMap := map[string]any{"lines": []any{}}
	ids, err := s.StoreCanonical(ctx, "v9", "hello", pageMap, layoutMap, "ext@1", "lay@1")
	require.NoError(t, err)

	st, err := s.Get(ctx, ids.StableTextID)
	require.NoError(t, err)
	require.Equal(t, KindStableText, st.Kind)
	require.Contains(t, st.StorageURI, "canonical/v9/stable_text.txt")
	require.Equal(t, "ext@1", st.GeneratorVersion)

	pm, err := s.Get(ctx, ids.PageMapID)
	require.NoError(t, err)
	require.Equal(t, KindPageMap, pm.Kind)
	require.Contains(t, pm.StorageURI, "canonical/v9/page_map.json")

	lm, err := s.Get(ctx, ids.LayoutMapID)
	require.NoError(t, err)
	require.Equal(t, "lay@1", lm.GeneratorVersion)

	n, err := s.CountForVersion(ctx, "v9")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestLatestByKind(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	none, err := s.LatestByKind(ctx, "v1", KindChunkSet)
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = s.StoreChunkSet(ctx, "v1", map[string]any{"chunks": []any{}}, "chunker@1")
	require.NoError(t, err)
	got, err := s.LatestByKind(ctx, "v1", KindChunkSet)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Contains(t, got.StorageURI, "indexes/v1/chunk_sets/chunk_set.json")
}
