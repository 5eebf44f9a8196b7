// Package events holds the per-model database repositories: domain event
// persistence keyed by content id, pricing detail rows, analytics rows and
// transaction/block processing state.
package events

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/chainmodel/indexer/internal/domain"
)

// eventTables maps event kinds to their table and insert column order. The
// column names match the keys of each event's Serialize map.
var eventTables = map[domain.EventKind]struct {
	table   string
	columns []string
}{
	domain.KindTrade: {"trades", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"taker", "direction", "base_token", "base_amount", "quote_token", "quote_amount",
		"trade_type", "swap_count", "transfer_count",
	}},
	domain.KindPoolSwap: {"pool_swaps", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"pool", "taker", "direction", "base_token", "base_amount", "quote_token", "quote_amount",
		"trade_id",
	}},
	domain.KindTransfer: {"transfers", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"token", "sender", "recipient", "amount",
	}},
	domain.KindLiquidity: {"liquidity_events", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"pool", "provider", "direction", "base_token", "base_amount", "quote_token", "quote_amount",
	}},
	domain.KindReward: {"rewards", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"contract", "recipient", "token", "amount",
	}},
	domain.KindPosition: {"positions", []string{
		"content_id", "tx_hash", "block_number", "timestamp",
		"holder", "token", "delta", "parent_id", "parent_type",
	}},
}

// EventRepository persists domain events into the per-model database. All
// writes are append-only and idempotent on content_id.
type EventRepository struct {
	modelDB *sql.DB
	log     zerolog.Logger
}

// NewEventRepository creates an event repository.
func NewEventRepository(modelDB *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		modelDB: modelDB,
		log:     log.With().Str("repo", "event").Logger(),
	}
}

// ExistingIDs returns which of the given content ids are already stored for
// one kind.
func (r *EventRepository) ExistingIDs(tx *sql.Tx, kind domain.EventKind, ids []domain.Hash) (map[domain.Hash]bool, error) {
	meta, ok := eventTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(ids) == 0 {
		return map[domain.Hash]bool{}, nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}

	query := "SELECT content_id FROM " + meta.table + " WHERE content_id = ANY($1)"
	rows, err := tx.Query(query, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing %s ids: %w", kind, err)
	}
	defer rows.Close()

	existing := make(map[domain.Hash]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan content id: %w", err)
		}
		existing[domain.Hash(id)] = true
	}
	return existing, rows.Err()
}

// BulkInsertSkipExisting inserts the events that are not already stored and
// returns how many rows were new. Existing content ids are skipped, never
// updated: the first write of an event is its final form.
func (r *EventRepository) BulkInsertSkipExisting(tx *sql.Tx, kind domain.EventKind, events []domain.Event) (int, error) {
	meta, ok := eventTables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]domain.Hash, len(events))
	for i, ev := range events {
		ids[i] = ev.ID()
	}
	existing, err := r.ExistingIDs(tx, kind, ids)
	if err != nil {
		return 0, err
	}

	var fresh []domain.Event
	for _, ev := range events {
		if !existing[ev.ID()] {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	var (
		placeholders []string
		args         []any
	)
	for i, ev := range fresh {
		serialized := ev.Serialize()
		row := make([]string, len(meta.columns))
		for j, col := range meta.columns {
			args = append(args, normalizeArg(serialized[col]))
			row[j] = fmt.Sprintf("$%d", i*len(meta.columns)+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(row, ", ")+")")
	}

	query := "INSERT INTO " + meta.table +
		" (" + strings.Join(meta.columns, ", ") + ") VALUES " +
		strings.Join(placeholders, ", ") +
		" ON CONFLICT (content_id) DO NOTHING"

	result, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert %s: %w", kind, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return len(fresh), nil
	}
	return int(inserted), nil
}

// normalizeArg maps serialized values onto driver-friendly types.
func normalizeArg(v any) any {
	switch t := v.(type) {
	case uint64:
		return int64(t)
	case uint:
		return int64(t)
	default:
		return v
	}
}
