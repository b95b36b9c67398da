package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
)

type assistantRepository struct {
	db *DB
}

var _ assistant.Repository = (*assistantRepository)(nil)

func NewAssistantRepository(db *DB) assistant.Repository {
	return &assistantRepository{db: db}
}

func (repo *assistantRepository) CreateChunks(_ context.Context, chunks []assistant.Chunk, _ ...core.DBExecutor) ([]assistant.Chunk, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	saved := make([]assistant.Chunk, len(chunks))
	for i, c := range chunks {
		c.ID = repo.db.nextID()
		repo.db.t.chunks[c.ID] = c
		saved[i] = c
	}
	return saved, nil
}

// SearchChunks ranks by term overlap, standing in for the full-text rank of the SQL store.
func (repo *assistantRepository) SearchChunks(_ context.Context, schoolID int, query string, k int, _ ...core.DBExecutor) ([]assistant.ScoredChunk, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	terms := assistant.Terms(query)
	scored := make([]assistant.ScoredChunk, 0)
	for _, c := range repo.db.t.chunks {
		if c.SchoolID != nil && *c.SchoolID != schoolID {
			continue
		}
		if score := assistant.OverlapScore(terms, c.Content); score > 0 {
			scored = append(scored, assistant.ScoredChunk{Chunk: c, Score: score})
		}
	}
	orderBy(scored, nil, nil, func(a, b assistant.ScoredChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return cmpInt(a.ID, b.ID)
	})
	return limit(scored, k), nil
}

func (repo *assistantRepository) DeleteChunks(_ context.Context, schoolID int, source string, _ ...core.DBExecutor) (int, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	var n int
	for id, c := range repo.db.t.chunks {
		if c.SchoolID != nil && *c.SchoolID == schoolID && c.Source == source {
			delete(repo.db.t.chunks, id)
			n++
		}
	}
	return n, nil
}
