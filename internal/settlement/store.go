package settlement

import (
	"context"
	"strings"
)

// Store writes each purchase or refund together with its balance change in one transaction.
type Store interface {
	// InsertPurchase credits the creator. created is false when the session already had a
	// purchase; the stored one is returned and no balance changes.
	InsertPurchase(ctx context.Context, p Purchase) (stored Purchase, created bool, err error)
	GetPurchase(ctx context.Context, sessionID string) (Purchase, error)
	// InsertRefund debits r.ReversedEarnings from the creator, once per session.
	InsertRefund(ctx context.Context, r Refund) (stored Refund, created bool, err error)
	GetRefund(ctx context.Context, sessionID string) (Refund, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Totals(ctx context.Context) (Totals, error)
	Close() error
}

// NewStore follows the same backend selection as the session store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, sqlitePath)
	}
	return NewMemoryStore(), nil
}
