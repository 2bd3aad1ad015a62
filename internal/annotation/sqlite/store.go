// Package sqlite implements annotation.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"annotation-sync/internal/annotation"
)

// Store is an annotation.Store backed by a SQLite database file. Every
// mutation runs in a single transaction.
type Store struct {
	db   *sql.DB
	path string
}

var _ annotation.Store = (*Store)(nil)

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies the pragmas on every connection the pool opens, so foreign key
// cascades hold even if a connection is replaced.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const (
	categoryColumns = "id, project_id, name, is_trackable, author_id, author_class, created_at"
	labelColumns    = "id, project_id, category_id, name, author_id, author_class, created_at"
	segmentColumns  = "id, label_id, start_ms, end_ms, author_id, author_class, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

// ListLabelCategories implements annotation.Store.
func (s *Store) ListLabelCategories(ctx context.Context, projectID string) ([]annotation.LabelCategory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+categoryColumns+" FROM label_categories WHERE project_id = ? ORDER BY rowid", projectID)
	if err != nil {
		return nil, annotation.StoreFailure("list label categories", err)
	}
	cats := make([]annotation.LabelCategory, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			rows.Close()
			return nil, annotation.StoreFailure("scan label category", err)
		}
		cats = append(cats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, annotation.StoreFailure("list label categories", err)
	}

	labels, err := s.ListLabels(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byCategory := make(map[string][]annotation.Label)
	for _, l := range labels {
		byCategory[l.CategoryID] = append(byCategory[l.CategoryID], l)
	}
	for i := range cats {
		cats[i].Labels = byCategory[cats[i].ID]
		if cats[i].Labels == nil {
			cats[i].Labels = []annotation.Label{}
		}
	}
	return cats, nil
}

// ListLabels implements annotation.Store.
func (s *Store) ListLabels(ctx context.Context, projectID string) ([]annotation.Label, error) {
	return s.queryLabels(ctx, s.db, "SELECT "+labelColumns+" FROM labels WHERE project_id = ? ORDER BY rowid", projectID)
}

// GetLabelCategory implements annotation.Store.
func (s *Store) GetLabelCategory(ctx context.Context, id string) (annotation.LabelCategory, error) {
	return s.getCategory(ctx, s.db, id)
}

// GetLabel implements annotation.Store.
func (s *Store) GetLabel(ctx context.Context, id string) (annotation.Label, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+labelColumns+" FROM labels WHERE id = ?", id)
	l, err := scanLabel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Label{}, annotation.NotFound("label", id)
	}
	if err != nil {
		return annotation.Label{}, annotation.StoreFailure("get label", err)
	}
	return l, nil
}

// CreateLabelCategory implements annotation.Store.
func (s *Store) CreateLabelCategory(ctx context.Context, projectID string, in annotation.NewLabelCategory) (annotation.LabelCategory, error) {
	var out annotation.LabelCategory
	err := s.withTx(ctx, "create label category", func(tx *sql.Tx) error {
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO label_categories ("+categoryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, projectID, in.Name, boolToInt(in.IsTrackable), in.AuthorID, in.AuthorClass, timestamp(),
		); err != nil {
			return err
		}
		c, err := s.getCategory(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.insertLabel(ctx, tx, c, annotation.NewLabel{CategoryID: id, AuthorID: in.AuthorID, AuthorClass: in.AuthorClass}); err != nil {
			return err
		}
		out, err = s.getCategory(ctx, tx, id)
		return err
	})
	return out, err
}

// CreateLabel implements annotation.Store.
func (s *Store) CreateLabel(ctx context.Context, projectID string, in annotation.NewLabel) (annotation.Label, error) {
	var out annotation.Label
	err := s.withTx(ctx, "create label", func(tx *sql.Tx) error {
		c, err := s.getCategory(ctx, tx, in.CategoryID)
		if err != nil {
			return err
		}
		if c.ProjectID != projectID {
			return annotation.NotFound("label category", in.CategoryID)
		}
		out, err = s.insertLabel(ctx, tx, c, in)
		return err
	})
	return out, err
}

func (s *Store) insertLabel(ctx context.Context, tx *sql.Tx, c annotation.LabelCategory, in annotation.NewLabel) (annotation.Label, error) {
	name := in.Name
	if name == "" {
		name = annotation.DefaultLabelName(c.Name, len(c.Labels)+1)
	}
	l := annotation.Label{
		ID:          uuid.NewString(),
		ProjectID:   c.ProjectID,
		CategoryID:  c.ID,
		Name:        name,
		AuthorID:    in.AuthorID,
		AuthorClass: in.AuthorClass,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO labels ("+labelColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		l.ID, l.ProjectID, l.CategoryID, l.Name, l.AuthorID, l.AuthorClass, l.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return annotation.Label{}, err
	}
	return l, nil
}

// RenameLabelCategory implements annotation.Store.
func (s *Store) RenameLabelCategory(ctx context.Context, id, name string) (annotation.LabelCategory, error) {
	var out annotation.LabelCategory
	err := s.withTx(ctx, "rename label category", func(tx *sql.Tx) error {
		if err := execOne(ctx, tx, "label category", id, "UPDATE label_categories SET name = ? WHERE id = ?", name, id); err != nil {
			return err
		}
		var err error
		out, err = s.getCategory(ctx, tx, id)
		return err
	})
	return out, err
}

// RenameLabel implements annotation.Store.
func (s *Store) RenameLabel(ctx context.Context, id, name string) (annotation.Label, error) {
	var out annotation.Label
	err := s.withTx(ctx, "rename label", func(tx *sql.Tx) error {
		if err := execOne(ctx, tx, "label", id, "UPDATE labels SET name = ? WHERE id = ?", name, id); err != nil {
			return err
		}
		l, err := scanLabel(tx.QueryRowContext(ctx, "SELECT "+labelColumns+" FROM labels WHERE id = ?", id))
		out = l
		return err
	})
	return out, err
}

// DeleteLabelCategory implements annotation.Store. Labels and segments go with
// it through ON DELETE CASCADE.
func (s *Store) DeleteLabelCategory(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete label category", func(tx *sql.Tx) error {
		return execOne(ctx, tx, "label category", id, "DELETE FROM label_categories WHERE id = ?", id)
	})
}

// DeleteLabel implements annotation.Store.
func (s *Store) DeleteLabel(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete label", func(tx *sql.Tx) error {
		return execOne(ctx, tx, "label", id, "DELETE FROM labels WHERE id = ?", id)
	})
}

// ListSegments implements annotation.Store.
func (s *Store) ListSegments(ctx context.Context, labelIDs []string) ([]annotation.Segment, error) {
	out := make([]annotation.Segment, 0)
	if len(labelIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE label_id IN ("+placeholders(len(labelIDs))+") ORDER BY label_id, start_ms, end_ms, id",
		stringArgs(labelIDs)...)
	if err != nil {
		return nil, annotation.StoreFailure("list segments", err)
	}
	defer rows.Close()
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, annotation.StoreFailure("scan segment", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, annotation.StoreFailure("list segments", err)
	}
	return out, nil
}

// GetSegment implements annotation.Store.
func (s *Store) GetSegment(ctx context.Context, id string) (annotation.Segment, error) {
	seg, err := getSegment(ctx, s.db, id)
	if err != nil && !errors.Is(err, annotation.ErrNotFound) {
		return annotation.Segment{}, annotation.StoreFailure("get segment", err)
	}
	return seg, err
}

// CreateSegment implements annotation.Store.
func (s *Store) CreateSegment(ctx context.Context, in annotation.NewSegment) (annotation.Segment, error) {
	var out annotation.Segment
	err := s.withTx(ctx, "create segment", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM labels WHERE id = ?", in.LabelID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return annotation.NotFound("label", in.LabelID)
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO segments ("+segmentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, in.LabelID, in.Start, in.End, in.AuthorID, in.AuthorClass, timestamp(),
		); err != nil {
			return err
		}
		var err error
		out, err = getSegment(ctx, tx, id)
		return err
	})
	return out, err
}

// UpdateSegmentBounds implements annotation.Store.
func (s *Store) UpdateSegmentBounds(ctx context.Context, id string, start, end int64) (annotation.Segment, error) {
	return s.MergeSegments(ctx, id, nil, start, end)
}

// MergeSegments implements annotation.Store.
func (s *Store) MergeSegments(ctx context.Context, survivorID string, absorbedIDs []string, start, end int64) (annotation.Segment, error) {
	var out annotation.Segment
	err := s.withTx(ctx, "merge segments", func(tx *sql.Tx) error {
		if err := execOne(ctx, tx, "segment", survivorID,
			"UPDATE segments SET start_ms = ?, end_ms = ? WHERE id = ?", start, end, survivorID); err != nil {
			return err
		}
		for _, id := range absorbedIDs {
			if id == survivorID {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE id = ?", id); err != nil {
				return err
			}
		}
		var err error
		out, err = getSegment(ctx, tx, survivorID)
		return err
	})
	return out, err
}

// DeleteSegments implements annotation.Store.
func (s *Store) DeleteSegments(ctx context.Context, ids []string) ([]string, error) {
	removed := make([]string, 0, len(ids))
	err := s.withTx(ctx, "delete segments", func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE id = ?", id)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				removed = append(removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// withTx runs fn in a transaction. Errors that are not already typed
// annotation errors are reported as annotation.ErrStore.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.StoreFailure(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, annotation.ErrNotFound) || errors.Is(err, annotation.ErrValidation) {
			return err
		}
		return annotation.StoreFailure(op, err)
	}
	if err := tx.Commit(); err != nil {
		return annotation.StoreFailure(op, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getCategory(ctx context.Context, q querier, id string) (annotation.LabelCategory, error) {
	c, err := scanCategory(q.QueryRowContext(ctx, "SELECT "+categoryColumns+" FROM label_categories WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.LabelCategory{}, annotation.NotFound("label category", id)
	}
	if err != nil {
		return annotation.LabelCategory{}, annotation.StoreFailure("get label category", err)
	}
	c.Labels, err = s.queryLabels(ctx, q, "SELECT "+labelColumns+" FROM labels WHERE category_id = ? ORDER BY rowid", id)
	if err != nil {
		return annotation.LabelCategory{}, err
	}
	return c, nil
}

func (s *Store) queryLabels(ctx context.Context, q querier, query string, args ...any) ([]annotation.Label, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, annotation.StoreFailure("list labels", err)
	}
	defer rows.Close()

	out := make([]annotation.Label, 0)
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, annotation.StoreFailure("scan label", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, annotation.StoreFailure("list labels", err)
	}
	return out, nil
}

func getSegment(ctx context.Context, q querier, id string) (annotation.Segment, error) {
	seg, err := scanSegment(q.QueryRowContext(ctx, "SELECT "+segmentColumns+" FROM segments WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Segment{}, annotation.NotFound("segment", id)
	}
	return seg, err
}

// execOne runs a single-row statement and reports ErrNotFound when no row
// matched.
func execOne(ctx context.Context, tx *sql.Tx, kind, id, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return annotation.NotFound(kind, id)
	}
	return nil
}

func scanCategory(row scanner) (annotation.LabelCategory, error) {
	var (
		c         annotation.LabelCategory
		trackable int
		created   string
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &trackable, &c.AuthorID, &c.AuthorClass, &created); err != nil {
		return annotation.LabelCategory{}, err
	}
	c.IsTrackable = trackable != 0
	c.CreatedAt = parseTime(created)
	return c, nil
}

func scanLabel(row scanner) (annotation.Label, error) {
	var (
		l       annotation.Label
		created string
	)
	if err := row.Scan(&l.ID, &l.ProjectID, &l.CategoryID, &l.Name, &l.AuthorID, &l.AuthorClass, &created); err != nil {
		return annotation.Label{}, err
	}
	l.CreatedAt = parseTime(created)
	return l, nil
}

func scanSegment(row scanner) (annotation.Segment, error) {
	var (
		seg     annotation.Segment
		created string
	)
	if err := row.Scan(&seg.ID, &seg.LabelID, &seg.Start, &seg.End, &seg.AuthorID, &seg.AuthorClass, &created); err != nil {
		return annotation.Segment{}, err
	}
	seg.CreatedAt = parseTime(created)
	return seg, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
