package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const DefaultQueryTimeout = 10 * time.Second

type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &PostgresStore{db: db, queryTimeout: queryTimeout}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

var baseColumns = []string{
	"uuid", "type", "title", "text", "description", "media", "thumbnail", "styles", "properties",
	`"order"`, "is_published", "is_deleted", "is_locked", "locked_by_user", "locked_at",
	"created_by", "updated_by", "created", "updated",
}

func selectColumns(kind Kind) string {
	cols := append([]string(nil), baseColumns...)
	switch {
	case kind == KindExhibit:
		cols = append(cols, "hero_image", "is_preview")
	case kind.IsNested():
		cols = append(cols, "is_member_of_exhibit", kind.ParentColumn())
	default:
		cols = append(cols, "is_member_of_exhibit")
	}
	return strings.Join(cols, ", ")
}

func scanRecord(kind Kind, row rowScanner) (Record, error) {
	record := Record{Kind: kind}
	var (
		styles, properties []byte
		lockedBy           sql.NullString
		lockedAt           sql.NullTime
	)
	dest := []any{
		&record.ID, &record.Type, &record.Title, &record.Text, &record.Description,
		&record.Media, &record.Thumbnail, &styles, &properties,
		&record.Order, &record.IsPublished, &record.IsDeleted, &record.IsLocked, &lockedBy, &lockedAt,
		&record.CreatedBy, &record.UpdatedBy, &record.Created, &record.Updated,
	}
	switch {
	case kind == KindExhibit:
		dest = append(dest, &record.HeroImage, &record.IsPreview)
	case kind.IsNested():
		dest = append(dest, &record.ExhibitID, &record.ParentID)
	default:
		dest = append(dest, &record.ExhibitID)
	}
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}

	record.Styles = normalizeJSON(styles)
	record.Properties = normalizeJSON(properties)
	record.LockedByUser = lockedBy.String
	if lockedAt.Valid {
		at := lockedAt.Time
		record.LockedAt = &at
	}
	switch {
	case kind == KindExhibit:
		record.ExhibitID = record.ID
	case !kind.IsNested():
		record.ParentID = record.ExhibitID
	}
	return record, nil
}

// scopeClause renders the parent filter for kind using placeholder $n. It is
// empty for exhibits.
func scopeClause(kind Kind, n int) string {
	if kind == KindExhibit {
		return ""
	}
	return fmt.Sprintf(" AND %s = $%d", kind.ParentColumn(), n)
}

func scopeArgs(kind Kind, parentID string, args ...any) []any {
	if kind == KindExhibit {
		return args
	}
	return append(args, parentID)
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *PostgresStore) fail(op string, kind Kind, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &StoreError{Op: op, Kind: kind, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &StoreError{Op: op, Kind: kind, Err: mapPostgresError(err)}
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w: %s", ErrMissingParent, pgErr.ConstraintName)
	case "23502": // not_null_violation
		return fmt.Errorf("required column %s is missing: %w", pgErr.ColumnName, err)
	case "42P01": // undefined_table
		return fmt.Errorf("table does not exist, database migration required: %w", err)
	case "57014": // query_canceled
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("postgres %s: %w", pgErr.Code, err)
	}
}

func (s *PostgresStore) Create(ctx context.Context, kind Kind, record Record) (Record, error) {
	record, err := validateRecord(kind, record)
	if err != nil {
		return Record{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, s.fail("create", kind, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if kind != KindExhibit {
		if err := s.requireParent(ctx, tx, kind, record.ParentID, record.ExhibitID); err != nil {
			return Record{}, err
		}
	}

	cols := []string{"uuid", "type", "title", "text", "description", "media", "thumbnail", "styles", "properties", `"order"`, "is_published", "created_by", "updated_by"}
	args := []any{
		record.ID, record.Type, record.Title, record.Text, record.Description, record.Media, record.Thumbnail,
		string(record.Styles), string(record.Properties), record.Order, record.IsPublished, record.CreatedBy, record.CreatedBy,
	}
	switch {
	case kind == KindExhibit:
		cols = append(cols, "hero_image", "is_preview")
		args = append(args, record.HeroImage, record.IsPreview)
	case kind.IsNested():
		cols = append(cols, "is_member_of_exhibit", kind.ParentColumn())
		args = append(args, record.ExhibitID, record.ParentID)
	default:
		cols = append(cols, "is_member_of_exhibit")
		args = append(args, record.ExhibitID)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, kind.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return Record{}, s.fail("create", kind, err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE uuid = $1`, selectColumns(kind), kind.Table())
	created, err := scanRecord(kind, tx.QueryRowContext(ctx, query, record.ID))
	if err != nil {
		return Record{}, s.fail("create", kind, fmt.Errorf("read back: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return Record{}, s.fail("create", kind, fmt.Errorf("commit: %w", err))
	}
	return created, nil
}

// requireParent checks that the direct parent is live. For nested kinds a
// non-empty exhibitID also pins the parent to that exhibit.
func (s *PostgresStore) requireParent(ctx context.Context, tx *sql.Tx, kind Kind, parentID, exhibitID string) error {
	parentKind := kind.ParentKind()
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE uuid = $1 AND is_deleted = FALSE`, parentKind.Table())
	args := []any{parentID}
	if kind.IsNested() && exhibitID != "" {
		query += ` AND is_member_of_exhibit = $2`
		args = append(args, exhibitID)
	}
	query += `)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return s.fail("check parent", parentKind, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", parentKind, parentID, ErrMissingParent)
	}
	return nil
}

func (s *PostgresStore) ListByParent(ctx context.Context, kind Kind, parentID string) ([]Record, error) {
	return s.list(ctx, "list", kind, parentID, false)
}

func (s *PostgresStore) ListDeleted(ctx context.Context, kind Kind, parentID string) ([]Record, error) {
	return s.list(ctx, "list deleted", kind, parentID, true)
}

func (s *PostgresStore) list(ctx context.Context, op string, kind Kind, parentID string, deleted bool) ([]Record, error) {
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	orderBy := `"order" ASC, created ASC, uuid ASC`
	if deleted {
		orderBy = `updated DESC, uuid ASC`
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE is_deleted = $1%s ORDER BY %s`,
		selectColumns(kind), kind.Table(), scopeClause(kind, 2), orderBy)

	rows, err := s.db.QueryContext(ctx, query, scopeArgs(kind, parentID, deleted)...)
	if err != nil {
		return nil, s.fail(op, kind, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(kind, rows)
		if err != nil {
			return nil, s.fail(op, kind, fmt.Errorf("scan: %w", err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, kind, err)
	}
	return records, nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, parentID, id string) (Record, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return Record{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE uuid = $1 AND is_deleted = FALSE%s`,
		selectColumns(kind), kind.Table(), scopeClause(kind, 2))
	record, err := scanRecord(kind, s.db.QueryRowContext(ctx, query, scopeArgs(kind, parentID, id)...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("get %s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, s.fail("get", kind, err)
	}
	return record, nil
}

func (s *PostgresStore) Update(ctx context.Context, kind Kind, parentID, id string, patch Patch) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}

	sets := make([]string, 0, 10)
	args := make([]any, 0, 12)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Type != nil {
		add("type", *patch.Type)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Text != nil {
		add("text", *patch.Text)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Media != nil {
		add("media", *patch.Media)
	}
	if patch.Thumbnail != nil {
		add("thumbnail", *patch.Thumbnail)
	}
	if patch.HeroImage != nil && kind == KindExhibit {
		add("hero_image", *patch.HeroImage)
	}
	if len(patch.Styles) > 0 {
		add("styles", string(normalizeJSON(patch.Styles)))
	}
	if len(patch.Properties) > 0 {
		add("properties", string(normalizeJSON(patch.Properties)))
	}
	add("updated_by", patch.UpdatedBy)
	sets = append(sets, "updated = NOW()")

	args = append(args, id)
	idPos := len(args)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE uuid = $%d AND is_deleted = FALSE%s`,
		kind.Table(), strings.Join(sets, ", "), idPos, scopeClause(kind, idPos+1))
	return s.execAffected(ctx, "update", kind, query, scopeArgs(kind, parentID, args...)...)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = TRUE, updated = NOW() WHERE uuid = $1 AND is_deleted = FALSE%s`,
		kind.Table(), scopeClause(kind, 2))
	return s.execAffected(ctx, "soft delete", kind, query, scopeArgs(kind, parentID, id)...)
}

func (s *PostgresStore) Count(ctx context.Context, kind Kind, parentID string) (int, error) {
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_deleted = FALSE%s`, kind.Table(), scopeClause(kind, 1))
	var count int
	if err := s.db.QueryRowContext(ctx, query, scopeArgs(kind, parentID)...).Scan(&count); err != nil {
		return 0, s.fail("count", kind, err)
	}
	return count, nil
}

func (s *PostgresStore) SetPublished(ctx context.Context, kind Kind, parentID string, value bool) (bool, error) {
	if kind == KindExhibit {
		if err := ValidateID("exhibit_id", parentID); err != nil {
			return false, err
		}
		return s.execAffected(ctx, "set published", kind,
			`UPDATE exhibits SET is_published = $2, updated = NOW() WHERE uuid = $1 AND is_deleted = FALSE`, parentID, value)
	}
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET is_published = $2, updated = NOW() WHERE %s = $1 AND is_deleted = FALSE`,
		kind.Table(), kind.ParentColumn())
	if _, err := s.db.ExecContext(ctx, query, parentID, value); err != nil {
		return false, s.fail("set published", kind, err)
	}
	return true, nil
}

func (s *PostgresStore) SetPreview(ctx context.Context, exhibitID string, value bool) (bool, error) {
	if err := ValidateID("exhibit_id", exhibitID); err != nil {
		return false, err
	}
	return s.execAffected(ctx, "set preview", KindExhibit,
		`UPDATE exhibits SET is_preview = $2, updated = NOW() WHERE uuid = $1 AND is_deleted = FALSE`, exhibitID, value)
}

func (s *PostgresStore) SetOrder(ctx context.Context, kind Kind, parentID, id string, order int) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET "order" = $2, updated = NOW() WHERE uuid = $1 AND is_deleted = FALSE%s`,
		kind.Table(), scopeClause(kind, 3))
	return s.execAffected(ctx, "set order", kind, query, scopeArgs(kind, parentID, id, order)...)
}

func (s *PostgresStore) Lock(ctx context.Context, kind Kind, id string, req LockRequest) (LockState, bool, error) {
	if !kind.Valid() {
		return LockState{}, false, &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	if err := ValidateID("id", id); err != nil {
		return LockState{}, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var staleBefore any
	if !req.StaleBefore.IsZero() {
		staleBefore = req.StaleBefore
	}
	update := fmt.Sprintf(`
		UPDATE %s SET is_locked = TRUE, locked_by_user = $2, locked_at = $3
		WHERE uuid = $1 AND is_deleted = FALSE
			AND (is_locked = FALSE OR locked_by_user IS NULL
				OR ($4::timestamptz IS NOT NULL AND locked_by_user <> $2 AND locked_at < $4::timestamptz))
	`, kind.Table())
	result, err := s.db.ExecContext(ctx, update, id, req.User, req.At, staleBefore)
	if err != nil {
		return LockState{}, false, s.fail("lock", kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return LockState{}, false, s.fail("lock", kind, err)
	}

	var (
		state    LockState
		lockedBy sql.NullString
		lockedAt sql.NullTime
	)
	query := fmt.Sprintf(`SELECT is_locked, locked_by_user, locked_at FROM %s WHERE uuid = $1 AND is_deleted = FALSE`, kind.Table())
	err = s.db.QueryRowContext(ctx, query, id).Scan(&state.Locked, &lockedBy, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LockState{}, false, fmt.Errorf("lock %s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return LockState{}, false, s.fail("lock", kind, err)
	}
	state.LockedBy = lockedBy.String
	if lockedAt.Valid {
		at := lockedAt.Time
		state.LockedAt = &at
	}
	return state, affected > 0, nil
}

func (s *PostgresStore) Unlock(ctx context.Context, kind Kind, id, user string, force bool) (bool, error) {
	if !kind.Valid() {
		return false, &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	if err := ValidateID("id", id); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET is_locked = FALSE, locked_by_user = NULL, locked_at = NULL
		WHERE uuid = $1 AND is_deleted = FALSE AND ($3 OR is_locked = FALSE OR locked_by_user = $2)
	`, kind.Table())
	return s.execAffected(ctx, "unlock", kind, query, id, user, force)
}

func (s *PostgresStore) Restore(ctx context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.fail("restore", kind, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if kind != KindExhibit {
		if err := s.requireParent(ctx, tx, kind, parentID, ""); err != nil {
			return false, err
		}
	}
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = FALSE, updated = NOW() WHERE uuid = $1 AND is_deleted = TRUE%s`,
		kind.Table(), scopeClause(kind, 2))
	result, err := tx.ExecContext(ctx, query, scopeArgs(kind, parentID, id)...)
	if err != nil {
		return false, s.fail("restore", kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, s.fail("restore", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.fail("restore", kind, fmt.Errorf("commit: %w", err))
	}
	return affected > 0, nil
}

func (s *PostgresStore) Purge(ctx context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE uuid = $1 AND is_deleted = TRUE%s`, kind.Table(), scopeClause(kind, 2))
	return s.execAffected(ctx, "purge", kind, query, scopeArgs(kind, parentID, id)...)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

func (s *PostgresStore) execAffected(ctx context.Context, op string, kind Kind, query string, args ...any) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.fail(op, kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, s.fail(op, kind, err)
	}
	return affected > 0, nil
}
