package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
)

type chunkRow struct {
	ID        int       `db:"id"`
	SchoolID  null.Int  `db:"school_id"`
	Source    string    `db:"source"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	Score     float64   `db:"score"`
}

func (r chunkRow) chunk() assistant.Chunk {
	return assistant.Chunk{
		ID:        r.ID,
		SchoolID:  r.SchoolID.Ptr(),
		Source:    r.Source,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

type assistantRepository struct {
	base
}

var _ assistant.Repository = (*assistantRepository)(nil)

func NewAssistantRepository(db *sqlx.DB) assistant.Repository {
	return &assistantRepository{base{db: db}}
}

func (repo *assistantRepository) CreateChunks(ctx context.Context, chunks []assistant.Chunk, exec ...core.DBExecutor) ([]assistant.Chunk, error) {
	exe := repo.getExec(exec)
	saved := make([]assistant.Chunk, 0, len(chunks))
	for _, c := range chunks {
		var row chunkRow
		err := sqlx.GetContext(ctx, exe, &row,
			`INSERT INTO knowledge_chunks (school_id, source, content, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, school_id, source, content, created_at, 0::float8 AS score`,
			null.IntFromPtr(c.SchoolID), c.Source, c.Content, c.CreatedAt.UTC())
		if err != nil {
			return nil, errors.Wrap(err, "inserting knowledge chunk")
		}
		saved = append(saved, row.chunk())
	}
	return saved, nil
}

// SearchChunks ranks with postgres full-text search over the school's and the shared chunks.
func (repo *assistantRepository) SearchChunks(ctx context.Context, schoolID int, query string, k int, exec ...core.DBExecutor) ([]assistant.ScoredChunk, error) {
	var rows []chunkRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT id, school_id, source, content, created_at, ts_rank(tsv, q)::float8 AS score
		FROM knowledge_chunks, plainto_tsquery('english', $2) q
		WHERE (school_id = $1 OR school_id IS NULL) AND tsv @@ q
		ORDER BY score DESC, id
		LIMIT $3`,
		schoolID, query, k)
	if err != nil {
		return nil, errors.Wrap(err, "searching knowledge chunks")
	}
	scored := make([]assistant.ScoredChunk, 0, len(rows))
	for _, r := range rows {
		scored = append(scored, assistant.ScoredChunk{Chunk: r.chunk(), Score: r.Score})
	}
	return scored, nil
}

func (repo *assistantRepository) DeleteChunks(ctx context.Context, schoolID int, source string, exec ...core.DBExecutor) (int, error) {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`DELETE FROM knowledge_chunks WHERE school_id = $1 AND source = $2`, schoolID, source)
	if err != nil {
		return 0, errors.Wrap(err, "deleting knowledge chunks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted knowledge chunks")
	}
	return int(n), nil
}
