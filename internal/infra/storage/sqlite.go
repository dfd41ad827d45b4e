package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/event"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const treasuryRowID = 1

// Storage persists ledger snapshots and the append-only event journal.
// It implements engine.Journal.
type Storage struct {
	db *gorm.DB
}

var _ engine.Journal = (*Storage)(nil)

// NewStorage opens (or creates) the SQLite database at dbPath.
// An empty path resolves to the per-user default location.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		dbPath, err = DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true, // missing treasury/payout rows are expected
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	// Auto Migration
	if err := db.AutoMigrate(&domain.ItemRecord{}, &domain.TreasuryRecord{}, &domain.PayoutRecord{}, &domain.EventRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// DefaultDBPath resolves the database file path based on OS
func DefaultDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "NFTMarket", "data", "ledger.db"), nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Journal
// ======================================================================================

// Commit writes the change in one transaction. settle runs last; if it fails
// the transaction is rolled back and its error is returned as is.
func (s *Storage) Commit(ctx context.Context, c engine.Change, settle func() error) error {
	payload, err := event.Encode(c.Event)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", c.Event.GetSeq(), err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, it := range c.Items {
			rec := domain.NewItemRecord(it)
			if err := tx.Save(&rec).Error; err != nil {
				return fmt.Errorf("save item %d: %w", it.ID, err)
			}
		}

		tr := treasuryRecord(c.Treasury)
		if err := tx.Save(&tr).Error; err != nil {
			return fmt.Errorf("save treasury: %w", err)
		}

		if to, amount, ok := event.Payout(c.Event); ok {
			if err := creditPayout(tx, to, amount); err != nil {
				return err
			}
		}

		rec := domain.EventRecord{
			Seq:     c.Event.GetSeq(),
			EventID: c.Event.GetID(),
			Type:    string(c.Event.GetType()),
			Payload: payload,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("append event %d: %w", rec.Seq, err)
		}

		return settle()
	})
}

func creditPayout(tx *gorm.DB, to domain.Account, amount decimal.Decimal) error {
	var rec domain.PayoutRecord
	err := tx.First(&rec, "account = ?", string(to)).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = domain.PayoutRecord{Account: string(to), Amount: decimal.Zero}
	case err != nil:
		return fmt.Errorf("load payout %s: %w", to, err)
	}

	rec.Amount = rec.Amount.Add(amount)
	rec.UpdatedAt = time.Now()
	if err := tx.Save(&rec).Error; err != nil {
		return fmt.Errorf("save payout %s: %w", to, err)
	}
	return nil
}

func treasuryRecord(t domain.Treasury) domain.TreasuryRecord {
	return domain.TreasuryRecord{
		ID:              treasuryRowID,
		ListingFeeRate:  t.ListingFeeRate,
		AccumulatedFees: t.AccumulatedFees,
		SaleCount:       t.SaleCount,
		LastSeq:         t.LastSeq,
	}
}

// ======================================================================================
// Snapshot
// ======================================================================================

// State is the persisted ledger snapshot.
type State struct {
	Items    []domain.Item
	Treasury domain.Treasury
	LastSeq  uint64 // last journaled event, 0 for a fresh ledger
	Fresh    bool   // no treasury row yet
}

// LoadState reads all items in id order, the treasury and the journal head.
func (s *Storage) LoadState(ctx context.Context) (*State, error) {
	db := s.db.WithContext(ctx)

	var rows []domain.ItemRecord
	if err := db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	state := &State{Items: make([]domain.Item, 0, len(rows))}
	for _, r := range rows {
		state.Items = append(state.Items, r.Item())
	}

	var tr domain.TreasuryRecord
	err := db.First(&tr, treasuryRowID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		state.Fresh = true
	case err != nil:
		return nil, fmt.Errorf("load treasury: %w", err)
	default:
		state.Treasury = domain.Treasury{
			ListingFeeRate:  tr.ListingFeeRate,
			AccumulatedFees: tr.AccumulatedFees,
			SaleCount:       tr.SaleCount,
			LastSeq:         tr.LastSeq,
		}
	}

	var head struct{ Seq uint64 }
	if err := db.Model(&domain.EventRecord{}).Select("COALESCE(MAX(seq), 0) AS seq").Scan(&head).Error; err != nil {
		return nil, fmt.Errorf("load journal head: %w", err)
	}
	state.LastSeq = head.Seq

	return state, nil
}

// Events returns the journal in sequence order.
func (s *Storage) Events(ctx context.Context) ([]event.Event, error) {
	var rows []domain.EventRecord
	if err := s.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "seq"}}).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := event.Decode(event.Type(r.Type), r.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", r.Seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Payouts returns the total paid out per account.
func (s *Storage) Payouts(ctx context.Context) ([]domain.PayoutRecord, error) {
	var rows []domain.PayoutRecord
	err := s.db.WithContext(ctx).Order("account ASC").Find(&rows).Error
	return rows, err
}
