package esign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// ErrNotSignable is returned by CompleteSignature when the request is
// already completed, missing, or the envelope is no longer active.
var ErrNotSignable = errors.New("signature request is not open")

// Schema creates the e-signature tables.
const Schema = `
CREATE TABLE IF NOT EXISTS esign_envelopes (
	hash       BYTEA PRIMARY KEY,
	name       TEXT NOT NULL,
	owner      BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	revoked_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS esign_requests (
	seq           BIGSERIAL,
	document_hash BYTEA NOT NULL REFERENCES esign_envelopes (hash),
	signer        BYTEA NOT NULL,
	signer_name   TEXT NOT NULL DEFAULT '',
	signer_email  TEXT NOT NULL DEFAULT '',
	requested_at  TIMESTAMPTZ NOT NULL,
	is_completed  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (document_hash, signer)
);
CREATE TABLE IF NOT EXISTS esign_signatures (
	document_hash   BYTEA NOT NULL REFERENCES esign_envelopes (hash),
	signer          BYTEA NOT NULL,
	signer_name     TEXT NOT NULL DEFAULT '',
	signer_email    TEXT NOT NULL DEFAULT '',
	signed_at       TIMESTAMPTZ NOT NULL,
	signature_bytes BYTEA NOT NULL,
	is_valid        BOOLEAN NOT NULL,
	PRIMARY KEY (document_hash, signer)
);
`

type Repository interface {
	// CreateEnvelope reports whether a new envelope was written.
	CreateEnvelope(ctx context.Context, env *Envelope) (bool, error)
	GetEnvelope(ctx context.Context, hash common.Hash) (*Envelope, error)
	// RevokeEnvelope reports whether this call deactivated the envelope.
	RevokeEnvelope(ctx context.Context, hash common.Hash, at time.Time) (bool, error)

	// UpsertRequest adds or refreshes a request while the envelope is
	// active. It never resets is_completed.
	UpsertRequest(ctx context.Context, req *SignatureRequest) (bool, error)
	GetRequest(ctx context.Context, hash common.Hash, signer common.Address) (*SignatureRequest, error)
	ListRequests(ctx context.Context, hash common.Hash) ([]SignatureRequest, error)

	// CompleteSignature marks the request completed and records sig in one
	// step, or returns ErrNotSignable.
	CompleteSignature(ctx context.Context, sig *Signature) error
	GetSignature(ctx context.Context, hash common.Hash, signer common.Address) (*Signature, error)
	ListSignatures(ctx context.Context, hash common.Hash) ([]Signature, error)
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

const (
	requestColumns   = "document_hash, signer, signer_name, signer_email, requested_at, is_completed"
	signatureColumns = "document_hash, signer, signer_name, signer_email, signed_at, signature_bytes, is_valid"
)

func (r *postgresRepository) CreateEnvelope(ctx context.Context, env *Envelope) (bool, error) {
	query := `
		INSERT INTO esign_envelopes (
			hash, name, owner, created_at, is_active
		) VALUES (
			:hash, :name, :owner, :created_at, :is_active
		)
		ON CONFLICT (hash) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, env)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r *postgresRepository) GetEnvelope(ctx context.Context, hash common.Hash) (*Envelope, error) {
	var env Envelope
	err := r.db.GetContext(ctx, &env, "SELECT * FROM esign_envelopes WHERE hash = $1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *postgresRepository) RevokeEnvelope(ctx context.Context, hash common.Hash, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE esign_envelopes SET is_active = FALSE, revoked_at = $2 WHERE hash = $1 AND is_active",
		hash, at)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r *postgresRepository) UpsertRequest(ctx context.Context, req *SignatureRequest) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO esign_requests (`+requestColumns+`)
		SELECT $1, $2, $3, $4, $5, FALSE
		WHERE EXISTS (SELECT 1 FROM esign_envelopes WHERE hash = $1 AND is_active)
		ON CONFLICT (document_hash, signer) DO UPDATE SET
			requested_at = EXCLUDED.requested_at,
			signer_name  = COALESCE(NULLIF(EXCLUDED.signer_name, ''), esign_requests.signer_name),
			signer_email = COALESCE(NULLIF(EXCLUDED.signer_email, ''), esign_requests.signer_email)`,
		req.DocumentHash, req.Signer, req.SignerName, req.SignerEmail, req.RequestedAt)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r *postgresRepository) GetRequest(ctx context.Context, hash common.Hash, signer common.Address) (*SignatureRequest, error) {
	var req SignatureRequest
	err := r.db.GetContext(ctx, &req,
		"SELECT "+requestColumns+" FROM esign_requests WHERE document_hash = $1 AND signer = $2", hash, signer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *postgresRepository) ListRequests(ctx context.Context, hash common.Hash) ([]SignatureRequest, error) {
	var reqs []SignatureRequest
	err := r.db.SelectContext(ctx, &reqs,
		"SELECT "+requestColumns+" FROM esign_requests WHERE document_hash = $1 ORDER BY seq", hash)
	return reqs, err
}

func (r *postgresRepository) CompleteSignature(ctx context.Context, sig *Signature) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE esign_requests r SET is_completed = TRUE
		FROM esign_envelopes e
		WHERE r.document_hash = $1 AND r.signer = $2 AND NOT r.is_completed
		  AND e.hash = r.document_hash AND e.is_active`,
		sig.DocumentHash, sig.Signer)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSignable
	}

	query := `
		INSERT INTO esign_signatures (
			document_hash, signer, signer_name, signer_email, signed_at, signature_bytes, is_valid
		) VALUES (
			:document_hash, :signer, :signer_name, :signer_email, :signed_at, :signature_bytes, :is_valid
		)`
	if _, err := tx.NamedExecContext(ctx, query, sig); err != nil {
		return fmt.Errorf("failed to record signature: %w", err)
	}
	return tx.Commit()
}

func (r *postgresRepository) GetSignature(ctx context.Context, hash common.Hash, signer common.Address) (*Signature, error) {
	var sig Signature
	err := r.db.GetContext(ctx, &sig,
		"SELECT "+signatureColumns+" FROM esign_signatures WHERE document_hash = $1 AND signer = $2", hash, signer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

func (r *postgresRepository) ListSignatures(ctx context.Context, hash common.Hash) ([]Signature, error) {
	var sigs []Signature
	err := r.db.SelectContext(ctx, &sigs,
		"SELECT "+signatureColumns+" FROM esign_signatures WHERE document_hash = $1 ORDER BY signed_at", hash)
	return sigs, err
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
