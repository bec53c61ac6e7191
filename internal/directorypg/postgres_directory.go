package directorypg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/oauthbridge/internal/directory"
)

const uniqueViolationCode = "23505"

const selectUserColumns = `id, email, first_name, last_name, avatar, COALESCE(provider, ''), COALESCE(external_identifier, ''), COALESCE(role, ''), status`

var nullableFields = map[string]struct{}{
	directory.FieldProvider:           {},
	directory.FieldExternalIdentifier: {},
	directory.FieldRole:               {},
}

// PostgresDirectory persists users in PostgreSQL through a pgx pool.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs a Postgres directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Driver labels the backend for logs.
func (store *PostgresDirectory) Driver() string {
	return "pgx"
}

// Query returns up to limit users matching every filter field.
func (store *PostgresDirectory) Query(ctx context.Context, filter directory.Filter, limit int) ([]directory.User, error) {
	if err := directory.ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("directory.query.pgx: %w", err)
	}
	statement, arguments := buildQuery(filter, limit)
	rows, queryErr := store.pool.Query(ctx, statement, arguments...)
	if queryErr != nil {
		return nil, fmt.Errorf("directory.query.pgx: %w", queryErr)
	}
	users, collectErr := pgx.CollectRows(rows, scanUser)
	if collectErr != nil {
		return nil, fmt.Errorf("directory.query.pgx: %w", collectErr)
	}
	return users, nil
}

// Create inserts the user and returns its identifier.
func (store *PostgresDirectory) Create(ctx context.Context, user directory.User) (string, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	nowUnix := time.Now().UTC().Unix()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO users (id, email, first_name, last_name, avatar, provider, external_identifier, role, status, created_at_unix, updated_at_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
`, user.ID, user.Email, user.FirstName, user.LastName, user.Avatar,
		nullable(user.Provider), nullable(user.ExternalIdentifier), nullable(user.Role), user.Status, nowUnix)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return "", fmt.Errorf("directory.create.pgx: %w", directory.ErrDuplicateIdentity)
		}
		return "", fmt.Errorf("directory.create.pgx: %w", execErr)
	}
	return user.ID, nil
}

// Update writes only the patched columns.
func (store *PostgresDirectory) Update(ctx context.Context, userID string, patch directory.Patch) error {
	if err := directory.ValidatePatch(patch); err != nil {
		return fmt.Errorf("directory.update.pgx: %w", err)
	}
	statement, arguments := buildUpdate(userID, patch, time.Now().UTC().Unix())
	tag, execErr := store.pool.Exec(ctx, statement, arguments...)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return fmt.Errorf("directory.update.pgx: %w", directory.ErrDuplicateIdentity)
		}
		return fmt.Errorf("directory.update.pgx: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("directory.update.pgx: %w", directory.ErrNotFound)
	}
	return nil
}

// Read returns the user with the given identifier.
func (store *PostgresDirectory) Read(ctx context.Context, userID string) (directory.User, error) {
	rows, queryErr := store.pool.Query(ctx, `SELECT `+selectUserColumns+` FROM users WHERE id = $1`, userID)
	if queryErr != nil {
		return directory.User{}, fmt.Errorf("directory.read.pgx: %w", queryErr)
	}
	user, collectErr := pgx.CollectExactlyOneRow(rows, scanUser)
	if collectErr != nil {
		if errors.Is(collectErr, pgx.ErrNoRows) {
			return directory.User{}, fmt.Errorf("directory.read.pgx: %w", directory.ErrNotFound)
		}
		return directory.User{}, fmt.Errorf("directory.read.pgx: %w", collectErr)
	}
	return user, nil
}

func buildQuery(filter directory.Filter, limit int) (string, []any) {
	var builder strings.Builder
	builder.WriteString(`SELECT ` + selectUserColumns + ` FROM users WHERE `)
	arguments := make([]any, 0, len(filter))
	for index, field := range directory.SortedFields(filter) {
		if index > 0 {
			builder.WriteString(" AND ")
		}
		value := filter[field]
		if _, isNullable := nullableFields[field]; isNullable && value == "" {
			builder.WriteString(field + " IS NULL")
			continue
		}
		arguments = append(arguments, value)
		builder.WriteString(fmt.Sprintf("%s = $%d", field, len(arguments)))
	}
	builder.WriteString(" ORDER BY created_at_unix, id")
	if limit > 0 {
		builder.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	return builder.String(), arguments
}

func buildUpdate(userID string, patch directory.Patch, nowUnix int64) (string, []any) {
	var builder strings.Builder
	builder.WriteString("UPDATE users SET ")
	arguments := make([]any, 0, len(patch)+2)
	for _, field := range directory.SortedFields(patch) {
		value := patch[field]
		if _, isNullable := nullableFields[field]; isNullable {
			arguments = append(arguments, nullable(value))
		} else {
			arguments = append(arguments, value)
		}
		builder.WriteString(fmt.Sprintf("%s = $%d, ", field, len(arguments)))
	}
	arguments = append(arguments, nowUnix)
	builder.WriteString(fmt.Sprintf("updated_at_unix = $%d", len(arguments)))
	arguments = append(arguments, userID)
	builder.WriteString(fmt.Sprintf(" WHERE id = $%d", len(arguments)))
	return builder.String(), arguments
}

func scanUser(row pgx.CollectableRow) (directory.User, error) {
	var user directory.User
	err := row.Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Avatar,
		&user.Provider, &user.ExternalIdentifier, &user.Role, &user.Status)
	return user, err
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
