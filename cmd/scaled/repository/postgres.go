package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/imagescale/common/db"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/scalekey"
)

const (
	entryColumns = `item_id, uid, field, scale_name, key_bytes, key_token, anon_token,
	width, height, mime_type, data, quality, source_modified, created_at`

	// metaColumns reads an entry without its pixels; a NULL length is a placeholder
	metaColumns = `item_id, uid, field, scale_name, key_bytes, key_token, anon_token,
	width, height, mime_type, octet_length(data), quality, source_modified, created_at`
)

// PostgresEntryRepository stores entries in the scale_entry table
type PostgresEntryRepository struct {
	db *db.DB
}

// NewPostgresEntryRepository creates a new entry repository
func NewPostgresEntryRepository(db *db.DB) *PostgresEntryRepository {
	return &PostgresEntryRepository{db: db}
}

// Get retrieves an entry by uid
func (r *PostgresEntryRepository) Get(ctx context.Context, itemID, uid string) (*models.ScaleEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM scale_entry WHERE item_id = $1 AND uid = $2`

	e, err := scanEntry(r.db.QueryRow(ctx, query, itemID, uid), true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scale %s: %w", uid, err)
	}
	return e, nil
}

// List retrieves the metadata of all entries of an item
func (r *PostgresEntryRepository) List(ctx context.Context, itemID string) ([]*models.ScaleEntry, error) {
	return listEntries(ctx, r.db, itemID)
}

// Find retrieves the metadata of the entries stored under k
func (r *PostgresEntryRepository) Find(ctx context.Context, itemID string, k scalekey.Key) ([]*models.ScaleEntry, error) {
	return findEntries(ctx, r.db, itemID, k)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func listEntries(ctx context.Context, q querier, itemID string) ([]*models.ScaleEntry, error) {
	query := `SELECT ` + metaColumns + ` FROM scale_entry
		WHERE item_id = $1
		ORDER BY field, width, uid`
	return queryEntries(ctx, q, query, itemID)
}

// findEntries is served by idx_scale_entry_key and idx_scale_entry_anon
func findEntries(ctx context.Context, q querier, itemID string, k scalekey.Key) ([]*models.ScaleEntry, error) {
	query := `SELECT ` + metaColumns + ` FROM scale_entry
		WHERE item_id = $1 AND (key_token = $2 OR anon_token = $3)
		ORDER BY field, width, uid`
	return queryEntries(ctx, q, query, itemID, k.Token(), k.Anonymous().Token())
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]*models.ScaleEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scales: %w", err)
	}
	defer rows.Close()

	var entries []*models.ScaleEntry
	for rows.Next() {
		e, err := scanEntry(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scale: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scales: %w", err)
	}
	return entries, nil
}

// scanEntry reads entryColumns when withData is set, metaColumns otherwise
func scanEntry(row pgx.Row, withData bool) (*models.ScaleEntry, error) {
	e := &models.ScaleEntry{}
	var keyBytes []byte
	var size *int64
	var pixels any = &size
	if withData {
		pixels = &e.Data
	}
	err := row.Scan(
		&e.ItemID,
		&e.UID,
		&e.Field,
		&e.ScaleName,
		&keyBytes,
		&e.KeyToken,
		&e.AnonToken,
		&e.Width,
		&e.Height,
		&e.MimeType,
		pixels,
		&e.Quality,
		&e.SourceModified,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if withData {
		e.Size = int64(len(e.Data))
	} else if size != nil {
		e.Size = *size
	}

	e.Key, err = scalekey.Decode(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("scale %s: %w", e.UID, err)
	}
	return e, nil
}

// Tx runs fn in a transaction holding the item's advisory lock
func (r *PostgresEntryRepository) Tx(ctx context.Context, itemID string, fn func(tx EntryTx) error) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, itemID); err != nil {
			return fmt.Errorf("failed to lock item %s: %w", itemID, err)
		}
		return fn(&postgresTx{ctx: ctx, tx: tx, itemID: itemID})
	})
}

type postgresTx struct {
	ctx    context.Context
	tx     pgx.Tx
	itemID string
}

func (t *postgresTx) Get(uid string) (*models.ScaleEntry, error) {
	query := `SELECT ` + metaColumns + ` FROM scale_entry WHERE item_id = $1 AND uid = $2`

	e, err := scanEntry(t.tx.QueryRow(t.ctx, query, t.itemID, uid), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scale %s: %w", uid, err)
	}
	return e, nil
}

func (t *postgresTx) List() ([]*models.ScaleEntry, error) {
	return listEntries(t.ctx, t.tx, t.itemID)
}

func (t *postgresTx) Find(k scalekey.Key) ([]*models.ScaleEntry, error) {
	return findEntries(t.ctx, t.tx, t.itemID, k)
}

func (t *postgresTx) Put(e *models.ScaleEntry) error {
	query := `
		INSERT INTO scale_entry (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, now()))
		ON CONFLICT (item_id, uid) DO UPDATE SET
			field = EXCLUDED.field,
			scale_name = EXCLUDED.scale_name,
			key_bytes = EXCLUDED.key_bytes,
			key_token = EXCLUDED.key_token,
			anon_token = EXCLUDED.anon_token,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			mime_type = EXCLUDED.mime_type,
			data = EXCLUDED.data,
			quality = EXCLUDED.quality,
			source_modified = EXCLUDED.source_modified
	`

	var createdAt any
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt
	}

	_, err := t.tx.Exec(t.ctx, query,
		t.itemID,
		e.UID,
		e.Field,
		e.ScaleName,
		e.Key.Encode(),
		e.KeyToken,
		e.AnonToken,
		e.Width,
		e.Height,
		e.MimeType,
		e.Data,
		e.Quality,
		e.SourceModified,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store scale %s: %w", e.UID, err)
	}
	return nil
}

func (t *postgresTx) Delete(uid string) error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM scale_entry WHERE item_id = $1 AND uid = $2`, t.itemID, uid)
	if err != nil {
		return fmt.Errorf("failed to delete scale %s: %w", uid, err)
	}
	return nil
}

func (t *postgresTx) DropStale(field string, modified int64) (int, error) {
	tag, err := t.tx.Exec(t.ctx,
		`DELETE FROM scale_entry WHERE item_id = $1 AND field = $2 AND source_modified <> $3`,
		t.itemID, field, modified)
	if err != nil {
		return 0, fmt.Errorf("failed to drop stale scales: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *postgresTx) Clear() error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM scale_entry WHERE item_id = $1`, t.itemID)
	if err != nil {
		return fmt.Errorf("failed to clear scales: %w", err)
	}
	return nil
}

// PostgresSourceRepository stores sources in the source_field table
type PostgresSourceRepository struct {
	db *db.DB
}

// NewPostgresSourceRepository creates a new source repository
func NewPostgresSourceRepository(db *db.DB) *PostgresSourceRepository {
	return &PostgresSourceRepository{db: db}
}

const sourceColumns = `item_id, field, filename, content_type, size_bytes, width, height, modified, storage_key, created_at`

func scanSource(row pgx.Row) (*models.Source, error) {
	src := &models.Source{}
	err := row.Scan(
		&src.ItemID,
		&src.Field,
		&src.Filename,
		&src.ContentType,
		&src.Size,
		&src.Width,
		&src.Height,
		&src.Modified,
		&src.StorageKey,
		&src.CreatedAt,
	)
	return src, err
}

// Get retrieves a source field
func (r *PostgresSourceRepository) Get(ctx context.Context, itemID, field string) (*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_field WHERE item_id = $1 AND field = $2`

	src, err := scanSource(r.db.QueryRow(ctx, query, itemID, field))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: source %s/%s", ErrNotFound, itemID, field)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// Put inserts or replaces a source field
func (r *PostgresSourceRepository) Put(ctx context.Context, src *models.Source) error {
	query := `
		INSERT INTO source_field (item_id, field, filename, content_type, size_bytes, width, height, modified, storage_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_id, field) DO UPDATE SET
			filename = EXCLUDED.filename,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			modified = EXCLUDED.modified,
			storage_key = EXCLUDED.storage_key
	`

	_, err := r.db.Exec(ctx, query,
		src.ItemID,
		src.Field,
		src.Filename,
		src.ContentType,
		src.Size,
		src.Width,
		src.Height,
		src.Modified,
		src.StorageKey,
	)
	if err != nil {
		return fmt.Errorf("failed to store source: %w", err)
	}
	return nil
}

// List retrieves all source fields of an item
func (r *PostgresSourceRepository) List(ctx context.Context, itemID string) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_field WHERE item_id = $1 ORDER BY field`

	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
