// Chroma-backed persistence for the Embedding Service, so a repeated
// content hash survives a process restart even though the LRU above it
// does not. Grounded on the donor's go.mod inclusion of
// github.com/amikos-tech/chroma-go (used elsewhere in the donor monorepo
// for RAG-style vector storage); the ensemble gateway's own use is
// narrower, a single collection keyed by content hash.
package embedding

import (
	"context"
	"fmt"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
)

// ChromaStore persists embeddings in a single Chroma collection named by
// collectionName.
type ChromaStore struct {
	client         chroma.Client
	collectionName string
}

// NewChromaStore builds a ChromaStore against an already-constructed
// Chroma client. Collection creation is lazy, on first Put, mirroring the
// donor's general preference for late-binding resource setup over
// scheduled-in-constructor side effects (spec §9's redesign flag).
func NewChromaStore(client chroma.Client, collectionName string) *ChromaStore {
	return &ChromaStore{client: client, collectionName: collectionName}
}

func (c *ChromaStore) collection(ctx context.Context) (chroma.Collection, error) {
	col, err := c.client.GetOrCreateCollection(ctx, c.collectionName)
	if err != nil {
		return nil, fmt.Errorf("get or create chroma collection %s: %w", c.collectionName, err)
	}
	return col, nil
}

// Get looks up a previously persisted embedding by content hash.
func (c *ChromaStore) Get(ctx context.Context, hash string) (Vector, bool, error) {
	col, err := c.collection(ctx)
	if err != nil {
		return nil, false, err
	}

	res, err := col.Get(ctx, chroma.WithIDsGet(chroma.DocumentID(hash)), chroma.WithIncludeGet(chroma.IncludeEmbeddings))
	if err != nil {
		return nil, false, fmt.Errorf("chroma get %s: %w", hash, err)
	}
	embeddings := res.GetEmbeddings()
	if len(embeddings) == 0 {
		return nil, false, nil
	}

	raw := embeddings[0].ContentAsFloat32()
	v := make(Vector, len(raw))
	for i, f := range raw {
		v[i] = float64(f)
	}
	return v, true, nil
}

// Put persists v under hash, overwriting any prior value.
func (c *ChromaStore) Put(ctx context.Context, hash string, v Vector) error {
	col, err := c.collection(ctx)
	if err != nil {
		return err
	}

	f32 := make([]float32, len(v))
	for i, x := range v {
		f32[i] = float32(x)
	}
	embedding, err := chroma.NewEmbeddingFromFloat32(f32)
	if err != nil {
		return fmt.Errorf("build chroma embedding for %s: %w", hash, err)
	}

	if err := col.Upsert(ctx,
		chroma.WithIDs(chroma.DocumentID(hash)),
		chroma.WithEmbeddings(embedding),
	); err != nil {
		return fmt.Errorf("chroma upsert %s: %w", hash, err)
	}
	return nil
}
