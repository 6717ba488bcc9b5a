// Package userstore persists users in a relational database through
// database/sql. Postgres is reached through the pgx stdlib driver; SQLite
// through modernc.org/sqlite. Schema changes are goose migrations embedded
// per dialect.
//
// Queries are written once with "?" placeholders and rebound for Postgres.
// Timestamps are stored as unix milliseconds.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("user not found")
	// ErrDatabase wraps driver failures.
	ErrDatabase = errors.New("user store unavailable")
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

const userColumns = `id, email, ssaid, password_hash, login_ip, login_time,
	register_ip, register_time, last_active_ip, last_active_time, unregister_time`

// Store is the users table.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects with driver "pgx"/"postgres" or "sqlite" and pings the server.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		sqlDriver string
		dialect   Dialect
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgres", "postgresql":
		sqlDriver, dialect = "pgx", DialectPostgres
	case "sqlite", "sqlite3":
		sqlDriver, dialect = "sqlite", DialectSQLite
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sqlDriver, err)
	}
	if dialect == DialectSQLite {
		// one writer; in-memory databases also need a single shared connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", sqlDriver, err)
	}
	return New(db, dialect), nil
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindByID loads a user by id.
func (s *Store) FindByID(ctx context.Context, id int64) (*User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindByEmail loads the user holding email, including soft-deleted ones.
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// FindBySSAID loads the anonymous user of a client session.
func (s *Store) FindBySSAID(ctx context.Context, ssaid string) (*User, error) {
	return s.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE ssaid = ?`, ssaid)
}

// Create inserts u and sets its id.
func (s *Store) Create(ctx context.Context, u *User) (*User, error) {
	q := `INSERT INTO users (email, ssaid, password_hash, login_ip, login_time,
		register_ip, register_time, last_active_ip, last_active_time, unregister_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err := s.Conn(ctx).QueryRowContext(ctx, s.rebind(q),
		nullString(u.Email),
		nullString(u.SSAID),
		nullString(u.PasswordHash),
		nullString(u.LoginIP),
		nullMillis(u.LoginTime),
		nullString(u.RegisterIP),
		nullMillis(u.RegisterTime),
		nullString(u.LastActiveIP),
		nullMillis(u.LastActiveTime),
		nullMillis(u.UnregisterTime),
	).Scan(&u.ID)
	if err != nil {
		return nil, wrapDB("insert user", err)
	}
	return u, nil
}

// Update applies p to the row with id.
func (s *Store) Update(ctx context.Context, id int64, p *Patch) error {
	if p.Empty() {
		return nil
	}
	n, err := s.update(ctx, "id = ?", id, p)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateByEmail applies p to the row holding email and returns the number
// of rows changed.
func (s *Store) UpdateByEmail(ctx context.Context, email string, p *Patch) (int64, error) {
	if p.Empty() {
		return 0, nil
	}
	return s.update(ctx, "email = ?", email, p)
}

// DeleteUnregisteredBefore hard-deletes the row holding email when it was
// unregistered before cutoff, releasing the email for a new registration.
func (s *Store) DeleteUnregisteredBefore(ctx context.Context, email string, cutoff time.Time) (int64, error) {
	res, err := s.Conn(ctx).ExecContext(ctx,
		s.rebind(`DELETE FROM users WHERE email = ? AND unregister_time IS NOT NULL AND unregister_time < ?`),
		email, cutoff.UnixMilli())
	if err != nil {
		return 0, wrapDB("delete expired user", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of rows, optionally restricted to one ssaid.
func (s *Store) Count(ctx context.Context, ssaid string) (int64, error) {
	q, args := `SELECT COUNT(*) FROM users`, []any(nil)
	if ssaid != "" {
		q, args = q+` WHERE ssaid = ?`, []any{ssaid}
	}
	var n int64
	if err := s.Conn(ctx).QueryRowContext(ctx, s.rebind(q), args...).Scan(&n); err != nil {
		return 0, wrapDB("count users", err)
	}
	return n, nil
}

func (s *Store) update(ctx context.Context, where string, key any, p *Patch) (int64, error) {
	var b strings.Builder
	b.WriteString("UPDATE users SET ")
	for i, col := range p.cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
		b.WriteString(" = ?")
	}
	b.WriteString(" WHERE ")
	b.WriteString(where)

	args := append(append([]any(nil), p.args...), key)
	res, err := s.Conn(ctx).ExecContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return 0, wrapDB("update user", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) findOne(ctx context.Context, q string, arg any) (*User, error) {
	row := s.Conn(ctx).QueryRowContext(ctx, s.rebind(q), arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapDB("select user", err)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u                                                       User
		email, ssaid, hash, loginIP, registerIP, lastActiveIP   sql.NullString
		loginTime, registerTime, lastActiveTime, unregisterTime sql.NullInt64
	)
	err := row.Scan(&u.ID, &email, &ssaid, &hash, &loginIP, &loginTime,
		&registerIP, &registerTime, &lastActiveIP, &lastActiveTime, &unregisterTime)
	if err != nil {
		return nil, err
	}

	u.Email = fromNullString(email)
	u.SSAID = fromNullString(ssaid)
	u.PasswordHash = fromNullString(hash)
	u.LoginIP = fromNullString(loginIP)
	u.LoginTime = fromNullMillis(loginTime)
	u.RegisterIP = fromNullString(registerIP)
	u.RegisterTime = fromNullMillis(registerTime)
	u.LastActiveIP = fromNullString(lastActiveIP)
	u.LastActiveTime = fromNullMillis(lastActiveTime)
	u.UnregisterTime = fromNullMillis(unregisterTime)
	return &u, nil
}

// rebind turns "?" placeholders into "$n" for Postgres. Queries in this
// package never contain a literal "?".
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 8)
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func wrapDB(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDatabase, op, err)
}
