package database

import (
	"context"
	"time"
)

// WatchlistRepository stores each user's custom symbol watchlist,
// layered on top of the Registry's default watchlist (spec.md §4.5).
type WatchlistRepository struct {
	db *DB
}

// NewWatchlistRepository creates a new repository.
func NewWatchlistRepository(db *DB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// WatchlistEntry is one symbol a user has pinned.
type WatchlistEntry struct {
	Symbol  string
	AddedAt time.Time
}

// Add pins a symbol to a user's watchlist. Idempotent.
func (r *WatchlistRepository) Add(ctx context.Context, userID, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO watchlist_symbols (user_id, symbol)
		VALUES ($1, $2)
		ON CONFLICT (user_id, symbol) DO NOTHING
	`, userID, symbol)
	return err
}

// Remove unpins a symbol from a user's watchlist.
func (r *WatchlistRepository) Remove(ctx context.Context, userID, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM watchlist_symbols WHERE user_id = $1 AND symbol = $2
	`, userID, symbol)
	return err
}

// List returns every symbol a user has pinned, oldest first.
func (r *WatchlistRepository) List(ctx context.Context, userID string) ([]WatchlistEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, added_at FROM watchlist_symbols
		WHERE user_id = $1
		ORDER BY added_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		if err := rows.Scan(&e.Symbol, &e.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
