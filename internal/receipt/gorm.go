package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// maxUpdateAttempts bounds the compare-and-swap retries of UpdateReceipt
const maxUpdateAttempts = 3

// userSetting holds per-user credentials in the relational store
type userSetting struct {
	UserID       string `gorm:"primaryKey;size:128"`
	GeminiAPIKey string
}

func (userSetting) TableName() string {
	return "user_settings"
}

// GormDB implements the DB interface on a relational database through GORM
type GormDB struct {
	db *gorm.DB
}

// OpenGorm opens a relational store. driver is "sqlite" or "postgres".
func OpenGorm(driver, dsn string) (*GormDB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return NewGormDB(db)
}

// NewGormDB wraps an open GORM handle and migrates the schema
func NewGormDB(db *gorm.DB) (*GormDB, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if err := db.AutoMigrate(&Receipt{}, &userSetting{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &GormDB{db: db}, nil
}

// CreateReceipt inserts a new receipt
func (g *GormDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	if err := g.db.WithContext(ctx).Create(receipt).Error; err != nil {
		return fmt.Errorf("%w: inserting receipt: %w", ErrPersistence, err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (g *GormDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	return g.get(g.db.WithContext(ctx), id)
}

func (g *GormDB) get(tx *gorm.DB, id string) (*Receipt, error) {
	var receipt Receipt
	err := tx.Where("id = ?", id).Take(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}
	return &receipt, nil
}

// ListReceipts returns all receipts, newest first
func (g *GormDB) ListReceipts(ctx context.Context) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	if err := g.db.WithContext(ctx).Order("created_at desc").Find(&receipts).Error; err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt re-reads the row, applies fn and writes it back only if the revision did not
// move in between; a concurrent writer causes a fresh read and another attempt.
func (g *GormDB) UpdateReceipt(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		receipt, err := g.get(g.db.WithContext(ctx), id)
		if err != nil {
			return nil, err
		}
		if err := fn(receipt); err != nil {
			return nil, err
		}

		expected := receipt.Revision
		receipt.Revision++
		res := g.db.WithContext(ctx).
			Model(&Receipt{}).
			Where("id = ? AND revision = ?", id, expected).
			Select("*").
			Updates(receipt)
		if res.Error != nil {
			return nil, fmt.Errorf("%w: updating receipt: %w", ErrPersistence, res.Error)
		}
		if res.RowsAffected == 1 {
			return receipt, nil
		}
	}
	return nil, fmt.Errorf("%w: receipt %s changed concurrently", ErrPersistence, id)
}

// DeleteReceipt removes a receipt
func (g *GormDB) DeleteReceipt(ctx context.Context, id string) error {
	res := g.db.WithContext(ctx).Where("id = ?", id).Delete(&Receipt{})
	if res.Error != nil {
		return fmt.Errorf("deleting receipt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UserAPIKey returns the stored key for a user
func (g *GormDB) UserAPIKey(ctx context.Context, userID string) (string, error) {
	var setting userSetting
	err := g.db.WithContext(ctx).Where("user_id = ?", userID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("selecting user settings: %w", err)
	}
	return setting.GeminiAPIKey, nil
}

// SaveUserAPIKey upserts the key for a user
func (g *GormDB) SaveUserAPIKey(ctx context.Context, userID, apiKey string) error {
	setting := userSetting{UserID: userID, GeminiAPIKey: apiKey}
	if err := g.db.WithContext(ctx).Save(&setting).Error; err != nil {
		return fmt.Errorf("saving user settings: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
