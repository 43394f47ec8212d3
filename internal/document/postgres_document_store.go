package document

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore implements Store against the documents, loans,
// document_types, and document_duplicates tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Exists(ctx context.Context, filename string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE filename = $1
	`, filename).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("document exists check: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) Insert(ctx context.Context, doc NewDocument) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert document: %w", err)
	}
	defer tx.Rollback()

	loanID, err := getOrCreateLoan(ctx, tx, doc.LoanNumber)
	if err != nil {
		return 0, err
	}

	typeID, err := getOrCreateDocumentType(ctx, tx, doc.DocumentType)
	if err != nil {
		return 0, err
	}

	hashBytes := sha256.Sum256(doc.Content)
	hash := hex.EncodeToString(hashBytes[:])

	var existing int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE filename = $1
	`, doc.Filename).Scan(&existing); err != nil {
		return 0, fmt.Errorf("duplicate lookup: %w", err)
	}
	isDuplicate := existing > 0

	var groupID string
	if isDuplicate {
		groupID, err = resolveDuplicateGroup(ctx, tx, hash, doc.Filename)
		if err != nil {
			return 0, err
		}
		if err := trackExistingDuplicates(ctx, tx, doc.Filename, groupID); err != nil {
			return 0, err
		}
	}

	var docID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (filename, loan_id, type_id, file_size, sha256_hash, content, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING doc_id
	`, doc.Filename, loanID, typeID, len(doc.Content), hash, doc.Content).Scan(&docID)
	if err != nil {
		return 0, fmt.Errorf("insert document %s: %w", doc.Filename, err)
	}

	if isDuplicate {
		// The newest copy becomes the primary of its group.
		if _, err := tx.ExecContext(ctx, `
			UPDATE document_duplicates SET is_primary = FALSE
			WHERE duplicate_group_id = $1
		`, groupID); err != nil {
			return 0, fmt.Errorf("demote duplicate group %s: %w", groupID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_duplicates (doc_id, duplicate_group_id, sha256_hash, is_primary)
			VALUES ($1, $2, $3, TRUE)
		`, docID, groupID, hash); err != nil {
			return 0, fmt.Errorf("insert duplicate record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert document: %w", err)
	}
	return docID, nil
}

func getOrCreateLoan(ctx context.Context, tx *sql.Tx, loanNumber string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT loan_id FROM loans WHERE loan_number = $1
	`, loanNumber).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup loan %s: %w", loanNumber, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO loans (loan_number, created_at) VALUES ($1, now())
		RETURNING loan_id
	`, loanNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create loan %s: %w", loanNumber, err)
	}
	return id, nil
}

func getOrCreateDocumentType(ctx context.Context, tx *sql.Tx, typeName string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT type_id FROM document_types WHERE type_name = $1
	`, typeName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup document type %s: %w", typeName, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_types (type_name) VALUES ($1)
		RETURNING type_id
	`, typeName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create document type %s: %w", typeName, err)
	}
	return id, nil
}

// resolveDuplicateGroup finds the duplicate group for a repeated
// filename: by content hash first, then by any group its earlier copies
// belong to, falling back to a new group id.
func resolveDuplicateGroup(ctx context.Context, tx *sql.Tx, hash, filename string) (string, error) {
	var groupID string
	err := tx.QueryRowContext(ctx, `
		SELECT duplicate_group_id FROM document_duplicates
		WHERE sha256_hash = $1
		LIMIT 1
	`, hash).Scan(&groupID)
	if err == nil {
		return groupID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("duplicate group by hash: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT dd.duplicate_group_id
		FROM document_duplicates dd
		JOIN documents d ON d.doc_id = dd.doc_id
		WHERE d.filename = $1
		LIMIT 1
	`, filename).Scan(&groupID)
	if err == nil {
		return groupID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("duplicate group by filename: %w", err)
	}

	return uuid.NewString(), nil
}

// trackExistingDuplicates backfills duplicate rows for earlier copies
// of the filename that predate duplicate tracking.
func trackExistingDuplicates(ctx context.Context, tx *sql.Tx, filename, groupID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_duplicates (doc_id, duplicate_group_id, sha256_hash, is_primary)
		SELECT d.doc_id, $2, d.sha256_hash, FALSE
		FROM documents d
		WHERE d.filename = $1
		AND NOT EXISTS (
			SELECT 1 FROM document_duplicates dd WHERE dd.doc_id = d.doc_id
		)
	`, filename, groupID)
	if err != nil {
		return fmt.Errorf("track existing duplicates of %s: %w", filename, err)
	}
	return nil
}
