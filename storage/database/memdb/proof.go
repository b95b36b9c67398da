package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/proof"
)

type proofRepository struct {
	db *DB
}

var _ proof.Repository = (*proofRepository)(nil)

func NewProofRepository(db *DB) proof.Repository {
	return &proofRepository{db: db}
}

func (repo *proofRepository) CreateProof(_ context.Context, p proof.Proof, _ ...core.DBExecutor) (proof.Proof, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	p.ID = repo.db.nextID()
	repo.db.t.proofs[p.ID] = p
	return p, nil
}

func (repo *proofRepository) GetProof(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (proof.Proof, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if p, ok := repo.db.t.proofs[id]; ok && p.SchoolID == schoolID {
		return p, nil
	}
	return proof.Proof{}, proof.ErrNotFound
}

func (repo *proofRepository) QueryProofs(_ context.Context, filter proof.QueryFilter, _ ...core.DBExecutor) ([]proof.Proof, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	proofs := make([]proof.Proof, 0)
	for _, p := range repo.db.t.proofs {
		switch {
		case p.SchoolID != filter.SchoolID,
			filter.StudentID != 0 && p.StudentID != filter.StudentID,
			filter.GuardianID != 0 && p.GuardianID != filter.GuardianID,
			filter.Status != "" && p.Status != filter.Status:
			continue
		}
		proofs = append(proofs, p)
	}
	orderBy(proofs, nil, nil, func(a, b proof.Proof) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(proofs, filter.Limit), nil
}

func (repo *proofRepository) UpdateProof(_ context.Context, p proof.Proof, _ ...core.DBExecutor) (proof.Proof, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.proofs[p.ID]; !ok || orig.SchoolID != p.SchoolID {
		return proof.Proof{}, proof.ErrNotFound
	}
	repo.db.t.proofs[p.ID] = p
	return p, nil
}
