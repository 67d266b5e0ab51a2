package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
)

type PostgresStore struct {
	db          *sqlx.DB
	lockTimeout time.Duration

	columnsMu sync.Mutex
	columns   map[Entity][]string
}

func NewPostgresStore(db *sqlx.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout, columns: map[Entity][]string{}}
}

func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type txKey struct{}

// queryer is the subset shared by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func txFrom(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx, ok && tx != nil
}

// conn returns the transaction carried by ctx, or the pool.
func (s *PostgresStore) conn(ctx context.Context) queryer {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn in one transaction. A nested call joins the outer transaction.
// Every statement in the unit waits at most lockTimeout for a lock.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", classify(err))
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

func tableFor(entity Entity) (string, error) {
	table := entity.Table()
	if table == "" {
		return "", fmt.Errorf("unknown entity %q", entity)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// InsertRow inserts one row from fields and returns its id. Column names
// must already be whitelisted by the caller.
func (s *PostgresStore) InsertRow(ctx context.Context, entity Entity, fields Fields) (int64, error) {
	table, err := tableFor(entity)
	if err != nil {
		return 0, err
	}

	keys := fields.Keys()
	var query string
	args := make([]any, 0, len(keys))
	if len(keys) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", table)
	} else {
		columns := make([]string, 0, len(keys))
		placeholders := make([]string, 0, len(keys))
		for i, key := range keys {
			columns = append(columns, pgx.Identifier{key}.Sanitize())
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			args = append(args, arg(fields[key]))
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	}

	var id int64
	if err := s.conn(ctx).QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", entity, classify(err))
	}
	return id, nil
}

// UpdateRow patches a live row and bumps updated_at. Returns ErrNotFound when
// the row is missing or soft-deleted.
func (s *PostgresStore) UpdateRow(ctx context.Context, entity Entity, id int64, fields Fields) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}

	keys := fields.Keys()
	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)
	for i, key := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{key}.Sanitize(), i+1))
		args = append(args, arg(fields[key]))
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND deleted_at IS NULL",
		table, strings.Join(sets, ", "), len(args))
	result, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", entity, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s rows affected: %w", entity, err)
	}
	if affected == 0 {
		return fmt.Errorf("update %s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

// CreatedAt reads the store-assigned creation instant of a row.
func (s *PostgresStore) CreatedAt(ctx context.Context, entity Entity, id int64) (time.Time, error) {
	table, err := tableFor(entity)
	if err != nil {
		return time.Time{}, err
	}
	var createdAt time.Time
	query := fmt.Sprintf("SELECT created_at FROM %s WHERE id = $1", table)
	if err := s.conn(ctx).QueryRowxContext(ctx, query, id).Scan(&createdAt); err != nil {
		return time.Time{}, fmt.Errorf("read %s created_at: %w", entity, classify(err))
	}
	return createdAt, nil
}

func (s *PostgresStore) SetCode(ctx context.Context, entity Entity, id int64, code string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET code = $1 WHERE id = $2", table)
	result, err := s.conn(ctx).ExecContext(ctx, query, code, id)
	if err != nil {
		return fmt.Errorf("set %s code: %w", entity, classify(err))
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("set %s code %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

// Exists reports whether a live row with id exists.
func (s *PostgresStore) Exists(ctx context.Context, entity Entity, id int64) (bool, error) {
	table, err := tableFor(entity)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1 AND deleted_at IS NULL)", table)
	if err := s.conn(ctx).QueryRowxContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s exists: %w", entity, classify(err))
	}
	return exists, nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.conn(ctx).GetContext(ctx, &user, `SELECT id, display_name, role, created_at FROM users WHERE display_name = $1`, name)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.conn(ctx).GetContext(ctx, &user, `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`, name)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", classify(err))
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.conn(ctx).GetContext(ctx, &user, `SELECT id, display_name, role, created_at FROM users WHERE id = $1`, userID)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", classify(err))
	}
	return user, nil
}

const customerColumns = `id, company_name, registration_number, industry, phone, address, created_at, updated_at`

func (s *PostgresStore) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	var customer Customer
	err := s.conn(ctx).GetContext(ctx, &customer,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return Customer{}, fmt.Errorf("get customer: %w", classify(err))
	}
	return customer, nil
}

func (s *PostgresStore) ListCustomers(ctx context.Context, limit int) ([]Customer, error) {
	customers := []Customer{}
	err := s.conn(ctx).SelectContext(ctx, &customers,
		`SELECT `+customerColumns+` FROM customers WHERE deleted_at IS NULL ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", classify(err))
	}
	return customers, nil
}

// RegistrationNumberTaken reports whether another live customer already uses number.
func (s *PostgresStore) RegistrationNumberTaken(ctx context.Context, number string, excludeID int64) (bool, error) {
	var taken bool
	err := s.conn(ctx).QueryRowxContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM customers
			WHERE registration_number = $1 AND deleted_at IS NULL AND id <> $2
		)
	`, number, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check registration number: %w", classify(err))
	}
	return taken, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, customerID int64) ([]Contact, error) {
	contacts := []Contact{}
	err := s.conn(ctx).SelectContext(ctx, &contacts, `
		SELECT id, customer_id, name, email, phone, position, created_at
		FROM contacts
		WHERE customer_id = $1 AND deleted_at IS NULL
		ORDER BY id
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", classify(err))
	}
	return contacts, nil
}

// ContactBelongsTo reports whether contactID is a live contact of customerID.
func (s *PostgresStore) ContactBelongsTo(ctx context.Context, contactID, customerID int64) (bool, error) {
	var ok bool
	err := s.conn(ctx).QueryRowxContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM contacts WHERE id = $1 AND customer_id = $2 AND deleted_at IS NULL)
	`, contactID, customerID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check contact: %w", classify(err))
	}
	return ok, nil
}

const maxListLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
