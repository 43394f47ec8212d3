package document

import "context"

// NewDocument is the payload handed to the storage collaborator after a
// successful, validated download.
type NewDocument struct {
	Filename     string
	LoanNumber   string
	DocumentType string
	Content      []byte
}

// Store is the persistent document storage collaborator: keyed insert
// with duplicate-content tracking, plus existence lookup.
type Store interface {
	// Exists reports whether a document with this filename is already
	// stored.
	Exists(ctx context.Context, filename string) (bool, error)

	// Insert stores a document. When the filename was stored before,
	// the new row joins a duplicate group keyed first by content hash,
	// then by filename, creating a fresh group when neither exists.
	Insert(ctx context.Context, doc NewDocument) (int64, error)
}
