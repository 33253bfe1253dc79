package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/database"
	"github.com/easel-ai/easel-engine/pkg/models"
)

// DocumentRepository defines the interface for artifact document data access.
// All reads are ownership-scoped: a document that exists but belongs to a
// different owner behaves as if it did not exist.
type DocumentRepository interface {
	// Create inserts a new document. When the document carries content, its
	// version 1 row is written in the same transaction so the current view
	// and the history never diverge; an empty document starts with no
	// version rows and its first CreateVersion yields version 1.
	Create(ctx context.Context, doc *models.Document, versionMetadata map[string]string) error

	// UpdateTitle renames a document owned by ownerID.
	UpdateTitle(ctx context.Context, id uuid.UUID, ownerID, title string) error

	// Get retrieves a document owned by ownerID.
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, error)

	// Delete removes a document owned by ownerID; versions cascade.
	Delete(ctx context.Context, id uuid.UUID, ownerID string) error

	// CreateVersion appends the next contiguous version and updates the
	// parent document's content and updated_at in the same transaction.
	CreateVersion(ctx context.Context, documentID uuid.UUID, content string, metadata map[string]string) (*models.DocumentVersion, error)

	// ListVersions returns versions newest-first with the total count.
	ListVersions(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.DocumentVersion, int, error)

	// GetVersion retrieves a single version by number.
	GetVersion(ctx context.Context, documentID uuid.UUID, version int) (*models.DocumentVersion, error)
}

// documentRepository implements DocumentRepository using PostgreSQL.
type documentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *database.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create inserts a new document, plus its version 1 row when content is
// present.
func (r *documentRepository) Create(ctx context.Context, doc *models.Document, versionMetadata map[string]string) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, title, content, kind, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.Title, doc.Content, doc.Kind, doc.OwnerID, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	if doc.Content != "" {
		if versionMetadata == nil {
			versionMetadata = map[string]string{}
		}
		metadataJSON, err := json.Marshal(versionMetadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO document_versions (id, document_id, content, metadata, version, created_at)
			VALUES ($1, $2, $3, $4, 1, $5)`,
			uuid.New(), doc.ID, doc.Content, metadataJSON, doc.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create initial version: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

// UpdateTitle renames an owned document.
func (r *documentRepository) UpdateTitle(ctx context.Context, id uuid.UUID, ownerID, title string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET title = $1, updated_at = $2 WHERE id = $3 AND user_id = $4`,
		title, time.Now(), id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update document title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Get retrieves a document by ID, scoped to its owner.
func (r *documentRepository) Get(ctx context.Context, id uuid.UUID, ownerID string) (*models.Document, error) {
	query := `
		SELECT id, title, content, kind, user_id, created_at, updated_at
		FROM documents
		WHERE id = $1 AND user_id = $2`

	var doc models.Document
	err := r.db.QueryRow(ctx, query, id, ownerID).Scan(
		&doc.ID,
		&doc.Title,
		&doc.Content,
		&doc.Kind,
		&doc.OwnerID,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// Delete removes an owned document. Versions are removed by the cascade on
// document_versions.document_id.
func (r *documentRepository) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// CreateVersion appends the next version in a single transaction. The
// parent row is locked first, which serializes concurrent writers on the
// same document so version numbers stay contiguous with no duplicates or
// gaps; writers to different documents do not contend.
func (r *documentRepository) CreateVersion(ctx context.Context, documentID uuid.UUID, content string, metadata map[string]string) (*models.DocumentVersion, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parentID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&parentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock document: %w", err)
	}

	version := &models.DocumentVersion{
		ID:         uuid.New(),
		DocumentID: documentID,
		Content:    content,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO document_versions (id, document_id, content, metadata, version, created_at)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM document_versions WHERE document_id = $2),
			$5)
		RETURNING version`,
		version.ID, documentID, content, metadataJSON, version.CreatedAt,
	).Scan(&version.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE documents SET content = $1, updated_at = $2 WHERE id = $3`,
		content, version.CreatedAt, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update document content: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}
	return version, nil
}

// ListVersions returns versions newest-first.
func (r *documentRepository) ListVersions(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*models.DocumentVersion, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_versions WHERE document_id = $1`, documentID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count versions: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, document_id, content, metadata, version, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version DESC
		LIMIT $2 OFFSET $3`,
		documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read versions: %w", err)
	}
	return versions, total, nil
}

// GetVersion retrieves one version by number.
func (r *documentRepository) GetVersion(ctx context.Context, documentID uuid.UUID, versionNum int) (*models.DocumentVersion, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, document_id, content, metadata, version, created_at
		FROM document_versions
		WHERE document_id = $1 AND version = $2`,
		documentID, versionNum)

	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func scanVersion(row pgx.Row) (*models.DocumentVersion, error) {
	var v models.DocumentVersion
	var metadataJSON []byte
	err := row.Scan(&v.ID, &v.DocumentID, &v.Content, &metadataJSON, &v.Version, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &v.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &v, nil
}
