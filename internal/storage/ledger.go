package storage

import (
	"fmt"
	"time"
)

// MarkDelivery records a webhook delivery id ahead of processing.
// Returns true if the id is new and processing should proceed, false if
// it was already recorded (duplicate delivery, idempotent no-op).
func (db *DB) MarkDelivery(deliveryID string) (bool, error) {
	result, err := db.Exec(`INSERT OR IGNORE INTO deliveries (delivery_id, processed_at) VALUES (?, ?)`,
		deliveryID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneDeliveries drops ledger entries older than the retention window.
// Safe at any time: a duplicate arriving after its entry was pruned
// replays a logical event whose derived record state is unchanged.
func (db *DB) PruneDeliveries(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	result, err := db.Exec(`DELETE FROM deliveries WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return result.RowsAffected()
}

// DeliveryCount returns the number of ledger entries (for status).
func (db *DB) DeliveryCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n)
	return n, err
}
