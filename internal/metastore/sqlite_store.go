package metastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
)

// SQLiteStore implements SQLite-based metadata storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_metadata_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS files (
        id TEXT PRIMARY KEY,
        relative_path TEXT NOT NULL,
        file_type TEXT NOT NULL,
        title TEXT,
        author TEXT,
        modify_time TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_files_path ON files(relative_path);

    CREATE TABLE IF NOT EXISTS file_tags (
        file_id TEXT NOT NULL,
        tag_id TEXT NOT NULL,
        name TEXT NOT NULL,
        modify_time TIMESTAMP NOT NULL,
        PRIMARY KEY (file_id, tag_id),
        FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_file_tags_name ON file_tags(name);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Get retrieves one file with its tags.
func (s *SQLiteStore) Get(id models.FileID) (*models.File, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	file, err := scanFile(tx.QueryRow(`
        SELECT id, relative_path, file_type, title, author, modify_time
        FROM files
        WHERE id = ?
    `, string(id)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}

	rows, err := tx.Query(`
        SELECT file_id, tag_id, name, modify_time
        FROM file_tags
        WHERE file_id = ?
    `, string(id))
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	if err := scanTags(rows, map[models.FileID]*models.File{file.ID: file}); err != nil {
		return nil, err
	}

	return file, nil
}

// Put inserts or replaces a file.
func (s *SQLiteStore) Put(file models.File) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := putFile(tx, file); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Delete removes a file and its tags.
func (s *SQLiteStore) Delete(id models.FileID) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// List returns every file ordered by relative path.
func (s *SQLiteStore) List() ([]models.File, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
        SELECT id, relative_path, file_type, title, author, modify_time
        FROM files
        ORDER BY relative_path, id
    `)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}

	var ordered []*models.File
	byID := make(map[models.FileID]*models.File)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		ordered = append(ordered, file)
		byID[file.ID] = file
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	rows.Close()

	tagRows, err := tx.Query(`SELECT file_id, tag_id, name, modify_time FROM file_tags`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer tagRows.Close()

	if err := scanTags(tagRows, byID); err != nil {
		return nil, err
	}

	out := make([]models.File, len(ordered))
	for i, f := range ordered {
		out[i] = *f
	}
	return out, nil
}

// Replace swaps the stored view for files.
func (s *SQLiteStore) Replace(files []models.File) error {
	start := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM file_tags`); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}

	for _, f := range files {
		if err := putFile(tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"files":    len(files),
		"duration": time.Since(start).String(),
	}).Debug("Replaced metadata")

	return nil
}

// Close releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		id, path, fileType string
		title, author      sql.NullString
		modTime            time.Time
	)
	if err := row.Scan(&id, &path, &fileType, &title, &author, &modTime); err != nil {
		return nil, err
	}

	attrs := models.NewFileAttr(models.FileType(fileType))
	if title.Valid {
		attrs.Title = models.StringPtr(title.String)
	}
	if author.Valid {
		attrs.Author = models.StringPtr(author.String)
	}

	return &models.File{
		ID:           models.FileID(id),
		RelativePath: path,
		ModifyTime:   modTime.UTC(),
		Attrs:        attrs,
	}, nil
}

func scanTags(rows *sql.Rows, byID map[models.FileID]*models.File) error {
	for rows.Next() {
		var (
			fileID, tagID, name string
			modTime             time.Time
		)
		if err := rows.Scan(&fileID, &tagID, &name, &modTime); err != nil {
			return fmt.Errorf("scan tag row: %w", err)
		}
		if f, ok := byID[models.FileID(fileID)]; ok {
			f.Attrs.Tags[models.TagID(tagID)] = models.Tag{
				ID:         models.TagID(tagID),
				Name:       name,
				ModifyTime: modTime.UTC(),
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	return nil
}

func putFile(tx *sql.Tx, f models.File) error {
	_, err := tx.Exec(`
        INSERT INTO files (id, relative_path, file_type, title, author, modify_time, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            relative_path = excluded.relative_path,
            file_type = excluded.file_type,
            title = excluded.title,
            author = excluded.author,
            modify_time = excluded.modify_time,
            updated_at = CURRENT_TIMESTAMP
    `, string(f.ID), f.RelativePath, string(f.Attrs.Type),
		nullString(f.Attrs.Title), nullString(f.Attrs.Author), f.ModifyTime.UTC())
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM file_tags WHERE file_id = ?`, string(f.ID)); err != nil {
		return fmt.Errorf("clear tags of %s: %w", f.ID, err)
	}

	for _, tag := range f.Attrs.SortedTags() {
		if _, err := tx.Exec(`
            INSERT INTO file_tags (file_id, tag_id, name, modify_time)
            VALUES (?, ?, ?, ?)
        `, string(f.ID), string(tag.ID), tag.Name, tag.ModifyTime.UTC()); err != nil {
			return fmt.Errorf("insert tag %s: %w", tag.ID, err)
		}
	}

	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
