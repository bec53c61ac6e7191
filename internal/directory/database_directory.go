package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("directory.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("directory.empty_database_url")
	errSQLiteEmptyPath     = errors.New("directory.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("directory.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("directory.unsupported_no_scheme")
)

// DatabaseDirectory persists users using GORM on PostgreSQL or SQLite.
type DatabaseDirectory struct {
	db          *gorm.DB
	driverLabel string
}

type userRecord struct {
	ID                 string  `gorm:"column:id;primaryKey"`
	Email              string  `gorm:"column:email;index;not null"`
	FirstName          string  `gorm:"column:first_name;not null;default:''"`
	LastName           string  `gorm:"column:last_name;not null;default:''"`
	Avatar             string  `gorm:"column:avatar;not null;default:''"`
	Provider           *string `gorm:"column:provider;uniqueIndex:idx_users_provider_external_identifier"`
	ExternalIdentifier *string `gorm:"column:external_identifier;uniqueIndex:idx_users_provider_external_identifier"`
	Role               *string `gorm:"column:role"`
	Status             string  `gorm:"column:status;not null;default:''"`
	CreatedAtUnix      int64   `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix      int64   `gorm:"column:updated_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

var nullableColumns = map[string]struct{}{
	FieldProvider:           {},
	FieldExternalIdentifier: {},
	FieldRole:               {},
}

// Driver exposes the selected database driver label.
func (store *DatabaseDirectory) Driver() string {
	return store.driverLabel
}

// NewDatabaseDirectory opens the database named by databaseURL and migrates the users table.
func NewDatabaseDirectory(ctx context.Context, databaseURL string) (*DatabaseDirectory, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("directory.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("directory.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Query returns up to limit users matching every filter field.
func (store *DatabaseDirectory) Query(ctx context.Context, filter Filter, limit int) ([]User, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("directory.query.%s: %w", store.driverLabel, err)
	}
	conditions := make(map[string]any, len(filter))
	for field, value := range filter {
		conditions[field] = columnValue(field, value)
	}
	statement := store.db.WithContext(ctx).Where(conditions).Order("created_at_unix, id")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var records []userRecord
	if err := statement.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("directory.query.%s: %w", store.driverLabel, err)
	}
	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, record.toUser())
	}
	return users, nil
}

// Create inserts the user; a unique-index violation surfaces as ErrDuplicateIdentity.
func (store *DatabaseDirectory) Create(ctx context.Context, user User) (string, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	nowUnix := time.Now().UTC().Unix()
	record := newUserRecord(user, nowUnix)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKey(err) {
			return "", fmt.Errorf("directory.create.%s: %w", store.driverLabel, ErrDuplicateIdentity)
		}
		return "", fmt.Errorf("directory.create.%s: %w", store.driverLabel, err)
	}
	return record.ID, nil
}

// Update writes only the patched columns.
func (store *DatabaseDirectory) Update(ctx context.Context, userID string, patch Patch) error {
	if err := ValidatePatch(patch); err != nil {
		return fmt.Errorf("directory.update.%s: %w", store.driverLabel, err)
	}
	columns := make(map[string]any, len(patch)+1)
	for field, value := range patch {
		columns[field] = columnValue(field, value)
	}
	columns["updated_at_unix"] = time.Now().UTC().Unix()
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", userID).Updates(columns)
	if result.Error != nil {
		if isDuplicateKey(result.Error) {
			return fmt.Errorf("directory.update.%s: %w", store.driverLabel, ErrDuplicateIdentity)
		}
		return fmt.Errorf("directory.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("directory.update.%s: %w", store.driverLabel, ErrNotFound)
	}
	return nil
}

// Read returns the user with the given identifier.
func (store *DatabaseDirectory) Read(ctx context.Context, userID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("directory.read.%s: %w", store.driverLabel, ErrNotFound)
		}
		return User{}, fmt.Errorf("directory.read.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

func newUserRecord(user User, nowUnix int64) userRecord {
	return userRecord{
		ID:                 user.ID,
		Email:              user.Email,
		FirstName:          user.FirstName,
		LastName:           user.LastName,
		Avatar:             user.Avatar,
		Provider:           nullableString(user.Provider),
		ExternalIdentifier: nullableString(user.ExternalIdentifier),
		Role:               nullableString(user.Role),
		Status:             user.Status,
		CreatedAtUnix:      nowUnix,
		UpdatedAtUnix:      nowUnix,
	}
}

func (record userRecord) toUser() User {
	return User{
		ID:                 record.ID,
		Email:              record.Email,
		FirstName:          record.FirstName,
		LastName:           record.LastName,
		Avatar:             record.Avatar,
		Provider:           derefString(record.Provider),
		ExternalIdentifier: derefString(record.ExternalIdentifier),
		Role:               derefString(record.Role),
		Status:             record.Status,
	}
}

func columnValue(field string, value string) any {
	if _, nullable := nullableColumns[field]; nullable && value == "" {
		return nil
	}
	return value
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// isDuplicateKey covers dialectors whose error translation predates gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("directory.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("directory.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("directory.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("directory.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
