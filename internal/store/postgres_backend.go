package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordTableName  = "integration_bridge_records"
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

const (
	recordDocument = "document"
	recordSession  = "session"
	recordMessage  = "message"
)

type recordKey struct {
	kind string
	id   string
}

// PostgresStateBackend keeps one row per document, client session and
// logged co-message. Rows are scoped by a state key so that several bridges
// can share a table, which is created on first use.
//
// Save only touches rows whose content changed since the last Load or Save
// and deletes rows for records that are gone, in a single transaction.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	written map[recordKey][sha256.Size]byte
}

// NewPostgresStateBackend accepts a lib/pq DSN. The optional query
// parameters state_table and state_key are consumed here and not passed to
// the driver.
func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	dsn, table, key := splitPostgresOptions(dsn)
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: table,
		stateKey:  key,
		openDB:    sql.Open,
	}, nil
}

func splitPostgresOptions(dsn string) (string, string, string) {
	table, key := postgresRecordTableName, postgresStateKey
	base, rawQuery, found := strings.Cut(dsn, "?")
	if !found {
		return dsn, table, key
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		name, value, _ := strings.Cut(pair, "=")
		switch name {
		case "state_table":
			if value = strings.TrimSpace(value); value != "" {
				table = value
			}
		case "state_key":
			if value = strings.TrimSpace(value); value != "" {
				key = value
			}
		default:
			if pair != "" {
				kept = append(kept, pair)
			}
		}
	}
	if len(kept) == 0 {
		return base, table, key
	}
	return base + "?" + strings.Join(kept, "&"), table, key
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT kind, record_id, body FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, b.stateKey)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	state := &persistedState{
		Documents: make(map[string]*storedDocument),
		Sessions:  make(map[string]*storedSession),
	}
	written := make(map[recordKey][sha256.Size]byte)
	for rows.Next() {
		var key recordKey
		var body string
		if err := rows.Scan(&key.kind, &key.id, &body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if !knownRecordKind(key.kind) {
			continue
		}
		if err := state.decodeRecord(key, []byte(body)); err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", key.kind, key.id, err)
		}
		written[key] = sha256.Sum256([]byte(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	b.mu.Lock()
	b.written = written
	b.mu.Unlock()
	if len(written) == 0 {
		return nil, nil
	}
	sort.SliceStable(state.Messages, func(i, j int) bool {
		a, c := state.Messages[i], state.Messages[j]
		if !a.Received.Equal(c.Received) {
			return a.Received.Before(c.Received)
		}
		return a.ReceiptID < c.ReceiptID
	})
	return state, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	next, err := encodeRecords(state)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	hashes := make(map[recordKey][sha256.Size]byte, len(next))
	var upserts, deletes []recordKey
	for key, body := range next {
		sum := sha256.Sum256(body)
		hashes[key] = sum
		if prev, ok := b.written[key]; !ok || prev != sum {
			upserts = append(upserts, key)
		}
	}
	for key := range b.written {
		if _, ok := next[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	sortRecordKeys(upserts)
	sortRecordKeys(deletes)

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	table := postgresQuoteIdentifier(b.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (state_key, kind, record_id, body, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (state_key, kind, record_id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`, table)
	remove := fmt.Sprintf("DELETE FROM %s WHERE state_key = $1 AND kind = $2 AND record_id = $3", table)
	for _, key := range upserts {
		if _, err := tx.ExecContext(ctx, upsert, b.stateKey, key.kind, key.id, string(next[key])); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save %s %q: %w", key.kind, key.id, err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, remove, b.stateKey, key.kind, key.id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete %s %q: %w", key.kind, key.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	b.written = hashes
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT NOT NULL,
				kind TEXT NOT NULL,
				record_id TEXT NOT NULL,
				body TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (state_key, kind, record_id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create record table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

// encodeRecords flattens a snapshot into one JSON body per row.
func encodeRecords(state *persistedState) (map[recordKey][]byte, error) {
	records := make(map[recordKey][]byte, len(state.Documents)+len(state.Sessions)+len(state.Messages))
	put := func(kind, id string, value any) error {
		body, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s %q: %w", kind, id, err)
		}
		records[recordKey{kind: kind, id: id}] = body
		return nil
	}
	for key, doc := range state.Documents {
		if err := put(recordDocument, key, doc); err != nil {
			return nil, err
		}
	}
	for id, session := range state.Sessions {
		if err := put(recordSession, id, session); err != nil {
			return nil, err
		}
	}
	for _, record := range state.Messages {
		if err := put(recordMessage, record.ReceiptID, record); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// knownRecordKind reports whether Load understands rows of kind. Other rows
// are left alone so an older bridge can share a table with a newer one.
func knownRecordKind(kind string) bool {
	switch kind {
	case recordDocument, recordSession, recordMessage:
		return true
	}
	return false
}

// decodeRecord adds one row to the snapshot.
func (s *persistedState) decodeRecord(key recordKey, body []byte) error {
	switch key.kind {
	case recordDocument:
		var doc storedDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return err
		}
		s.Documents[key.id] = &doc
	case recordSession:
		var session storedSession
		if err := json.Unmarshal(body, &session); err != nil {
			return err
		}
		s.Sessions[key.id] = &session
	case recordMessage:
		var record MessageRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return err
		}
		s.Messages = append(s.Messages, record)
	}
	return nil
}

func sortRecordKeys(keys []recordKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].id < keys[j].id
	})
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
