package engine

import (
	"testing"
)

// BenchmarkLedger_CreateBuyResell measures one full item cycle through the
// engine without a journal.
func BenchmarkLedger_CreateBuyResell(b *testing.B) {
	gw := &recordingGateway{}
	l, err := NewLedger(Config{Administrator: admin, Escrow: escrow, ListingFeeRate: fee, Gateway: gw, Logger: quiet})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		id, err := l.CreateListing(ctx, alice, "ipfs://bench", one, fee)
		if err != nil {
			b.Fatal(err)
		}
		if err := l.Buy(ctx, bob, id, one); err != nil {
			b.Fatal(err)
		}
		if err := l.Resell(ctx, bob, id, two, fee); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLedger_ListUnsold measures the recomputed unsold view over a
// catalog of 10k items, half of them sold.
func BenchmarkLedger_ListUnsold(b *testing.B) {
	gw := &recordingGateway{}
	l, _ := NewLedger(Config{Administrator: admin, Escrow: escrow, ListingFeeRate: fee, Gateway: gw, Logger: quiet})
	for i := 0; i < 10_000; i++ {
		id, _ := l.CreateListing(ctx, alice, "ipfs://bench", one, fee)
		if i%2 == 0 {
			l.Buy(ctx, bob, id, one)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if got := l.ListUnsold(); len(got) != 5_000 {
			b.Fatalf("Expected 5000 unsold, got %d", len(got))
		}
	}
}
