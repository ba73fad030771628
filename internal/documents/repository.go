package documents

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Schema creates the documents table.
const Schema = `
CREATE TABLE IF NOT EXISTS proof_documents (
	hash         BYTEA PRIMARY KEY,
	uploader     BYTEA NOT NULL,
	bounty_id    UUID NOT NULL,
	milestone_id INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	verified     BOOLEAN NOT NULL DEFAULT FALSE,
	verified_at  TIMESTAMPTZ,
	verified_by  BYTEA
);
CREATE INDEX IF NOT EXISTS proof_documents_bounty_idx ON proof_documents (bounty_id, milestone_id);
`

type Repository interface {
	// Create inserts doc unless its hash is already present. It reports
	// whether a row was written.
	Create(ctx context.Context, doc *Document) (bool, error)
	// GetByHash returns nil, nil when the hash is unknown.
	GetByHash(ctx context.Context, hash common.Hash) (*Document, error)
	// MarkVerified flips verified once. It reports whether this call did it.
	MarkVerified(ctx context.Context, hash common.Hash, verifier common.Address, at time.Time) (bool, error)
	ListByBounty(ctx context.Context, bountyID uuid.UUID) ([]Document, error)
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

func (r *postgresRepository) Create(ctx context.Context, doc *Document) (bool, error) {
	query := `
		INSERT INTO proof_documents (
			hash, uploader, bounty_id, milestone_id, created_at, verified
		) VALUES (
			:hash, :uploader, :bounty_id, :milestone_id, :created_at, :verified
		)
		ON CONFLICT (hash) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, doc)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *postgresRepository) GetByHash(ctx context.Context, hash common.Hash) (*Document, error) {
	var doc Document
	err := r.db.GetContext(ctx, &doc, "SELECT * FROM proof_documents WHERE hash = $1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *postgresRepository) MarkVerified(ctx context.Context, hash common.Hash, verifier common.Address, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proof_documents
		SET verified = TRUE, verified_at = $2, verified_by = $3
		WHERE hash = $1 AND verified = FALSE`, hash, at, verifier)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *postgresRepository) ListByBounty(ctx context.Context, bountyID uuid.UUID) ([]Document, error) {
	var docs []Document
	err := r.db.SelectContext(ctx, &docs,
		"SELECT * FROM proof_documents WHERE bounty_id = $1 ORDER BY milestone_id, created_at", bountyID)
	return docs, err
}
