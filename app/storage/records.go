package storage

import (
	"context"
	"fmt"
	"time"

	"tg-guard/app/storage/engine"
)

// records-related command constants
const (
	CmdCreateRecordsTable engine.DBCmd = iota + 100
	CmdCreateRecordsIndexes
	CmdAddRecord
)

// recordsQueries holds all records-related queries
var recordsQueries = engine.NewQueryMap().
	Add(CmdCreateRecordsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            gid TEXT NOT NULL DEFAULT '',
            room_id INTEGER,
            user_id INTEGER,
            user_name TEXT,
            msg_id INTEGER,
            text TEXT,
            approved BOOLEAN DEFAULT 0,
            question BOOLEAN DEFAULT 0,
            reason TEXT,
            timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS records (
            id SERIAL PRIMARY KEY,
            gid TEXT NOT NULL DEFAULT '',
            room_id BIGINT,
            user_id BIGINT,
            user_name TEXT,
            msg_id INTEGER,
            text TEXT,
            approved BOOLEAN DEFAULT false,
            question BOOLEAN DEFAULT false,
            reason TEXT,
            timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,
	}).
	Add(CmdCreateRecordsIndexes, engine.Query{
		Sqlite: `
            CREATE INDEX IF NOT EXISTS idx_records_user_id ON records(user_id);
            CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp);
            CREATE INDEX IF NOT EXISTS idx_records_gid ON records(gid)`,
		Postgres: `
            CREATE INDEX IF NOT EXISTS idx_records_gid_user_id ON records(gid, user_id);
            CREATE INDEX IF NOT EXISTS idx_records_gid_timestamp ON records(gid, timestamp DESC)`,
	}).
	AddSame(CmdAddRecord, `INSERT INTO records (gid, room_id, user_id, user_name, msg_id, text, approved, question, reason, timestamp)
        VALUES (:gid, :room_id, :user_id, :user_name, :msg_id, :text, :approved, :question, :reason, :timestamp)`)

// Record is one persisted moderation outcome.
type Record struct {
	RoomID    int64     `db:"room_id"`
	UserID    int64     `db:"user_id"`
	UserName  string    `db:"user_name"`
	MsgID     int       `db:"msg_id"`
	Text      string    `db:"text"`
	Approved  bool      `db:"approved"`
	Question  bool      `db:"question"`
	Reason    string    `db:"reason"`
	Timestamp time.Time `db:"timestamp"`
}

// Records is a store of moderation decisions, one row per processed message.
type Records struct {
	*engine.SQL
	engine.RWLocker
}

// NewRecords creates a Records store and initializes the table.
func NewRecords(ctx context.Context, db *engine.SQL) (*Records, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Records{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "records",
		CreateTable:   CmdCreateRecordsTable,
		CreateIndexes: CmdCreateRecordsIndexes,
		QueriesMap:    recordsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init records storage: %w", err)
	}
	return res, nil
}

// Add appends a moderation record.
func (r *Records) Add(ctx context.Context, rec Record) error {
	r.Lock()
	defer r.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	query, err := recordsQueries.Pick(r.Type(), CmdAddRecord)
	if err != nil {
		return fmt.Errorf("failed to get add record query: %w", err)
	}

	_, err = r.NamedExecContext(ctx, query, struct {
		Record
		GID string `db:"gid"`
	}{Record: rec, GID: r.GID()})
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Read returns the most recent records, newest first. Zero limit means no limit.
func (r *Records) Read(ctx context.Context, limit int) ([]Record, error) {
	r.RLock()
	defer r.RUnlock()

	if limit <= 0 {
		limit = 1000
	}
	var res []Record
	query := r.Adopt(`SELECT room_id, user_id, user_name, msg_id, text, approved, question, reason, timestamp
        FROM records WHERE gid = ? ORDER BY timestamp DESC LIMIT ?`)
	if err := r.SelectContext(ctx, &res, query, r.GID(), limit); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return res, nil
}

// CountRejected returns the number of rejected records for a user within the gid.
func (r *Records) CountRejected(ctx context.Context, userID int64) (int, error) {
	r.RLock()
	defer r.RUnlock()

	var count int
	query := r.Adopt(`SELECT COUNT(*) FROM records WHERE gid = ? AND user_id = ? AND approved = ?`)
	if err := r.GetContext(ctx, &count, query, r.GID(), userID, false); err != nil {
		return 0, fmt.Errorf("failed to count rejected records: %w", err)
	}
	return count, nil
}

// Cleanup removes records older than the ttl if the total exceeds minSize.
func (r *Records) Cleanup(ctx context.Context, ttl time.Duration, minSize int) error {
	r.Lock()
	defer r.Unlock()

	query := r.Adopt(`DELETE FROM records WHERE timestamp < ? AND gid = ? AND (SELECT COUNT(*) FROM records WHERE gid = ?) > ?`)
	if _, err := r.ExecContext(ctx, query, time.Now().Add(-ttl), r.GID(), r.GID(), minSize); err != nil {
		return fmt.Errorf("failed to cleanup records: %w", err)
	}
	return nil
}
