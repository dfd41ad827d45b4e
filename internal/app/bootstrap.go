package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/execution"
	"nft_market/internal/infra"
	"nft_market/internal/infra/storage"
	"nft_market/internal/service"

	"github.com/gofrs/flock"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Storage *storage.Storage
	Gateway *execution.PaperGateway
	Ledger  *engine.Ledger
	Market  *service.Marketplace

	lock *flock.Flock
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, locks and opens the database and restores
// the ledger from its last committed state.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Debug("Bootstrapping NFT market ledger...", slog.String("config", configPath))

	// 3. Lock the data directory; one writer per database
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		if dbPath, err = storage.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolve DB path: %w", err)
		}
	}
	if err := b.acquireLock(dbPath); err != nil {
		return err
	}

	// 4. Initialize Storage (DB)
	store, err := storage.NewStorage(dbPath)
	if err != nil {
		b.Close()
		return err
	}
	b.Storage = store
	slog.Debug("Database initialized", slog.String("path", dbPath))

	// 5. Restore ledger and payouts
	if err := b.restore(ctx); err != nil {
		b.Close()
		return err
	}
	b.Market = service.NewMarketplace(b.Ledger, nil, infra.GlobalMetrics)
	return nil
}

func (b *Bootstrap) acquireLock(dbPath string) error {
	lock := flock.New(filepath.Clean(dbPath) + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another process is using the ledger database")
	}
	b.lock = lock
	return nil
}

func (b *Bootstrap) restore(ctx context.Context) error {
	state, err := b.Storage.LoadState(ctx)
	if err != nil {
		return err
	}

	payouts, err := b.Storage.Payouts(ctx)
	if err != nil {
		return fmt.Errorf("load payouts: %w", err)
	}
	b.Gateway = execution.NewPaperGateway()
	b.Gateway.Restore(payouts)
	if b.Config.Payments.Offline {
		b.Gateway.Halt(execution.ErrOffline)
		slog.Warn("Payments offline: every transfer will fail")
	}

	ledger, err := engine.NewLedger(engine.Config{
		Administrator:  domain.Account(b.Config.Ledger.Administrator),
		Escrow:         domain.Account(b.Config.Ledger.Escrow),
		ListingFeeRate: b.Config.Ledger.ListingFeeRate,
		Gateway:        b.Gateway,
		Journal:        b.Storage,
		Metrics:        infra.GlobalMetrics,
		Logger:         b.Logger,
	})
	if err != nil {
		return err
	}

	if !state.Fresh {
		if err := ledger.Restore(state.Items, state.Treasury, state.LastSeq); err != nil {
			return err
		}
		if !state.Treasury.ListingFeeRate.Equal(b.Config.Ledger.ListingFeeRate) {
			slog.Debug("Persisted listing fee overrides config",
				slog.String("persisted", state.Treasury.ListingFeeRate.String()),
				slog.String("config", b.Config.Ledger.ListingFeeRate.String()))
		}
	}
	b.Ledger = ledger

	slog.Debug("Ledger restored",
		slog.Int("items", len(state.Items)),
		slog.Uint64("last_seq", state.LastSeq))
	return nil
}

// StartSequencer runs a sequencer over the ledger until ctx ends and routes
// the marketplace through it. The returned function waits for it to stop.
func (b *Bootstrap) StartSequencer(ctx context.Context, onResult func(engine.Command, engine.Result)) func() {
	seq := engine.NewSequencer(b.Config.Ledger.InboxSize, b.Ledger, onResult)
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq.Run(ctx)
	}()
	b.Market = service.NewMarketplace(b.Ledger, seq, infra.GlobalMetrics)
	return func() { <-done }
}

// Close releases the database and the lock.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
		b.Storage = nil
	}
	if b.lock != nil {
		errs = append(errs, b.lock.Unlock())
		b.lock = nil
	}
	return errors.Join(errs...)
}
