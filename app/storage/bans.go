package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"

	"tg-guard/app/storage/engine"
)

// bans-related command constants
const (
	CmdCreateBansTable engine.DBCmd = iota + 200
	CmdCreateBansIndexes
	CmdAddBan
)

// bansQueries holds all bans-related queries
var bansQueries = engine.NewQueryMap().
	Add(CmdCreateBansTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS bans (
            user_id INTEGER NOT NULL,
            gid TEXT NOT NULL DEFAULT '',
            reason TEXT,
            timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (user_id, gid)
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS bans (
            user_id BIGINT NOT NULL,
            gid TEXT NOT NULL DEFAULT '',
            reason TEXT,
            timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (user_id, gid)
        )`,
	}).
	AddSame(CmdCreateBansIndexes, `CREATE INDEX IF NOT EXISTS idx_bans_gid ON bans(gid)`).
	Add(CmdAddBan, engine.Query{
		Sqlite: `INSERT OR REPLACE INTO bans (user_id, gid, reason, timestamp) VALUES (:user_id, :gid, :reason, :timestamp)`,
		Postgres: `INSERT INTO bans (user_id, gid, reason, timestamp) VALUES (:user_id, :gid, :reason, :timestamp)
            ON CONFLICT (user_id, gid) DO UPDATE SET reason = :reason, timestamp = :timestamp`,
	})

// Bans is a room-independent ban registry. Reads go through a short-TTL cache,
// a ban or unban applied here is visible to subsequent IsBanned calls immediately
// through write-through invalidation.
type Bans struct {
	*engine.SQL
	engine.RWLocker
	cache cache.Cache[int64, bool]
	ttl   time.Duration
}

// NewBans creates a Bans store with the given read-cache ttl.
func NewBans(ctx context.Context, db *engine.SQL, ttl time.Duration) (*Bans, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	res := &Bans{
		SQL:      db,
		RWLocker: db.MakeLock(),
		cache:    cache.NewCache[int64, bool]().WithMaxKeys(10000).WithTTL(ttl),
		ttl:      ttl,
	}
	cfg := engine.TableConfig{
		Name:          "bans",
		CreateTable:   CmdCreateBansTable,
		CreateIndexes: CmdCreateBansIndexes,
		QueriesMap:    bansQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init bans storage: %w", err)
	}
	return res, nil
}

// IsBanned reports if the user is banned. Results are cached for the ttl.
func (b *Bans) IsBanned(ctx context.Context, userID int64) bool {
	if banned, found := b.cache.Get(userID); found {
		return banned
	}

	b.RLock()
	defer b.RUnlock()

	var one int
	query := b.Adopt(`SELECT 1 FROM bans WHERE user_id = ? AND gid = ?`)
	err := b.GetContext(ctx, &one, query, userID, b.GID())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[WARN] failed to check ban for user %d: %v", userID, err)
			return false // storage trouble never blocks the pipeline
		}
		b.cache.Set(userID, false, b.ttl)
		return false
	}
	b.cache.Set(userID, true, b.ttl)
	return true
}

// Ban records a ban for the user and makes it visible to IsBanned immediately.
func (b *Bans) Ban(ctx context.Context, userID int64, reason string) error {
	b.Lock()
	defer b.Unlock()

	query, err := bansQueries.Pick(b.Type(), CmdAddBan)
	if err != nil {
		return fmt.Errorf("failed to get add ban query: %w", err)
	}

	_, err = b.NamedExecContext(ctx, query, map[string]interface{}{
		"user_id":   userID,
		"gid":       b.GID(),
		"reason":    reason,
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert ban for user %d: %w", userID, err)
	}

	b.cache.Set(userID, true, b.ttl)
	log.Printf("[INFO] user %d banned, reason: %s", userID, reason)
	return nil
}

// Unban removes the ban for the user.
func (b *Bans) Unban(ctx context.Context, userID int64, reason string) error {
	b.Lock()
	defer b.Unlock()

	query := b.Adopt(`DELETE FROM bans WHERE user_id = ? AND gid = ?`)
	if _, err := b.ExecContext(ctx, query, userID, b.GID()); err != nil {
		return fmt.Errorf("failed to delete ban for user %d: %w", userID, err)
	}

	b.cache.Set(userID, false, b.ttl)
	log.Printf("[INFO] user %d unbanned, reason: %s", userID, reason)
	return nil
}
