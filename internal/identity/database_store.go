package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
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
	ErrUnsupportedDialect = errors.New("identity_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("identity_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("identity_store.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("identity_store.unsupported_no_scheme")

	columnNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

var updatableColumns = []string{
	"cib",
	"google_id",
	"email",
	"first_name",
	"last_name",
	"status",
	"profile_data",
	"last_login_at",
	"password",
	"updated_at",
}

// DatabaseStore persists local identities using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type identityRecord struct {
	ID          string      `gorm:"column:id;primaryKey"`
	CIB         string      `gorm:"column:cib;index"`
	GoogleID    string      `gorm:"column:google_id;index"`
	Email       string      `gorm:"column:email;index"`
	FirstName   string      `gorm:"column:first_name"`
	LastName    string      `gorm:"column:last_name"`
	Status      string      `gorm:"column:status;not null"`
	ProfileData ProfileData `gorm:"column:profile_data;serializer:json"`
	LastLoginAt time.Time   `gorm:"column:last_login_at"`
	Password    *string     `gorm:"column:password"`
	CreatedAt   time.Time   `gorm:"column:created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at"`
}

func (identityRecord) TableName() string {
	return "users"
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("identity_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// NewDatabaseStore opens the database named by databaseURL and migrates the users table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	target, err := parseDatabaseTarget(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("identity_store.open: %w", err)
	}
	driverLabel := target.driver
	gormDB, openErr := gorm.Open(target.dialector(), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("identity_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&identityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("identity_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindBy returns the oldest identity whose key column equals value.
func (store *DatabaseStore) FindBy(ctx context.Context, key LookupKey, value string) (LocalIdentity, error) {
	if !validLookupKey(key) {
		return LocalIdentity{}, fmt.Errorf("identity_store.find.%s: %w", key, ErrUnsupportedLookupKey)
	}
	if value == "" {
		return LocalIdentity{}, ErrIdentityNotFound
	}
	var record identityRecord
	err := store.db.WithContext(ctx).
		Where(string(key)+" = ?", value).
		Order("created_at asc").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LocalIdentity{}, ErrIdentityNotFound
		}
		return LocalIdentity{}, fmt.Errorf("identity_store.find.%s.%s: %w", key, store.driverLabel, err)
	}
	return record.toIdentity(), nil
}

// FindByID returns the identity with the given primary key.
func (store *DatabaseStore) FindByID(ctx context.Context, identityID string) (LocalIdentity, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where("id = ?", identityID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LocalIdentity{}, ErrIdentityNotFound
		}
		return LocalIdentity{}, fmt.Errorf("identity_store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return record.toIdentity(), nil
}

// Create inserts the identity, assigning a UUID when ID is empty.
func (store *DatabaseStore) Create(ctx context.Context, localIdentity *LocalIdentity) error {
	if localIdentity.ID == "" {
		localIdentity.ID = uuid.NewString()
	}
	record := recordFromIdentity(*localIdentity)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("identity_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Update writes every mutable column of the identity in a single statement.
func (store *DatabaseStore) Update(ctx context.Context, localIdentity *LocalIdentity) error {
	if localIdentity.ID == "" {
		return ErrMissingIdentityID
	}
	record := recordFromIdentity(*localIdentity)
	record.UpdatedAt = time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&identityRecord{ID: record.ID}).
		Select(updatableColumns).
		Updates(&record)
	if result.Error != nil {
		return fmt.Errorf("identity_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// LookupStatus reads the configured status column for an identity.
func (store *DatabaseStore) LookupStatus(ctx context.Context, identityID string, statusField string) (string, error) {
	column := strings.ToLower(strings.TrimSpace(statusField))
	if !columnNamePattern.MatchString(column) {
		return "", fmt.Errorf("identity_store.status.%s: %w", statusField, ErrUnsupportedStatusField)
	}
	var statuses []string
	err := store.db.WithContext(ctx).
		Model(&identityRecord{}).
		Where("id = ?", identityID).
		Limit(1).
		Pluck(column, &statuses).Error
	if err != nil {
		return "", fmt.Errorf("identity_store.status.%s: %w", store.driverLabel, err)
	}
	if len(statuses) == 0 {
		return "", ErrIdentityNotFound
	}
	return statuses[0], nil
}

func recordFromIdentity(localIdentity LocalIdentity) identityRecord {
	record := identityRecord{
		ID:          localIdentity.ID,
		CIB:         localIdentity.CIB,
		GoogleID:    localIdentity.GoogleID,
		Email:       localIdentity.Email,
		FirstName:   localIdentity.FirstName,
		LastName:    localIdentity.LastName,
		Status:      localIdentity.Status,
		ProfileData: localIdentity.ProfileData,
		LastLoginAt: localIdentity.LastLoginAt,
	}
	if localIdentity.CredentialPlaceholder != "" {
		credential := localIdentity.CredentialPlaceholder
		record.Password = &credential
	}
	return record
}

func (record identityRecord) toIdentity() LocalIdentity {
	localIdentity := LocalIdentity{
		ID:        record.ID,
		CIB:       record.CIB,
		GoogleID:  record.GoogleID,
		Email:     record.Email,
		FirstName: record.FirstName,
		LastName:  record.LastName,
		Status:    record.Status,
		ProfileData: ProfileData{
			StaffPositions:  nonNilSequence(record.ProfileData.StaffPositions),
			Departments:     nonNilSequence(record.ProfileData.Departments),
			DepartmentTeams: nonNilSequence(record.ProfileData.DepartmentTeams),
		},
		LastLoginAt: record.LastLoginAt.UTC(),
	}
	if record.Password != nil {
		localIdentity.CredentialPlaceholder = *record.Password
	}
	return localIdentity
}

// databaseTarget is a database URL split into a GORM driver and its native DSN.
type databaseTarget struct {
	driver string
	dsn    string
}

// parseDatabaseTarget accepts postgres:// URLs as-is and strips the sqlite scheme so
// that sqlite:/path.db, sqlite:///path.db and sqlite:file:name?mode=memory reach the driver.
func parseDatabaseTarget(databaseURL string) (databaseTarget, error) {
	trimmed := strings.TrimSpace(databaseURL)
	if trimmed == "" {
		return databaseTarget{}, errEmptyDatabaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return databaseTarget{}, fmt.Errorf("identity_store.parse_url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "":
		return databaseTarget{}, errUnsupportedNoScheme
	case "postgres", "postgresql":
		return databaseTarget{driver: "postgres", dsn: trimmed}, nil
	case "sqlite", "sqlite3":
		dsn := strings.TrimPrefix(trimmed[len(scheme)+1:], "//")
		if path, _, _ := strings.Cut(dsn, "?"); path == "" {
			return databaseTarget{}, errSQLiteEmptyPath
		}
		return databaseTarget{driver: "sqlite", dsn: dsn}, nil
	default:
		return databaseTarget{}, fmt.Errorf("identity_store.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
}

func (target databaseTarget) dialector() gorm.Dialector {
	if target.driver == "postgres" {
		return postgres.Open(target.dsn)
	}
	return sqliteDialector.Open(target.dsn)
}
