package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"hwgw.ai/internal/game"
)

// SQLiteIndex is a queryable secondary index over the cycle journal. Writes
// are queued and applied by one goroutine; when the queue is full events are
// dropped, since the JSONL journal stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu keeps Close from closing ch under a sender.
	sendMu sync.RWMutex
	closed atomic.Bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

type req struct {
	ev    game.Event
	flush chan struct{}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Written       uint64 `json:"written"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
}

// BatchRow is one launched batch joined with its outcome, if any.
type BatchRow struct {
	BatchID     string
	RunID       string
	Target      string
	LaunchedAt  time.Time
	Plan        game.ThreadPlan
	Healthy     *bool
	MoneyFrac   float64
	SecurityGap float64
}

const queueSize = 4096

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			batch_id TEXT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			mode TEXT NOT NULL,
			reason TEXT,
			message TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id);`,
		`CREATE TABLE IF NOT EXISTS batches (
			batch_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			target TEXT NOT NULL,
			launched_at TEXT NOT NULL,
			hack_threads INTEGER NOT NULL,
			weaken_for_hack INTEGER NOT NULL,
			grow_threads INTEGER NOT NULL,
			weaken_for_grow INTEGER NOT NULL,
			total_ram REAL NOT NULL,
			steal_ratio REAL NOT NULL,
			healthy INTEGER,
			money_frac REAL,
			security_gap REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_target ON batches(target, launched_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordEvent never blocks.
func (s *SQLiteIndex) RecordEvent(ev game.Event) error {
	if s == nil {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{ev: ev}:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.sendMu.RLock()
	if s.closed.Load() {
		s.sendMu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{flush: done}:
		s.sendMu.RUnlock()
	case <-ctx.Done():
		s.sendMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
	}
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLiteIndex) RecentEvents(ctx context.Context, limit int) ([]game.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev game.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Batches returns the latest batches for target, newest first.
func (s *SQLiteIndex) Batches(ctx context.Context, target string, limit int) ([]BatchRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, run_id, target, launched_at,
		hack_threads, weaken_for_hack, grow_threads, weaken_for_grow, total_ram, steal_ratio,
		healthy, money_frac, security_gap
		FROM batches WHERE target = ? ORDER BY launched_at DESC, batch_id LIMIT ?`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var (
			b        BatchRow
			launched string
			healthy  sql.NullBool
			money    sql.NullFloat64
			gap      sql.NullFloat64
		)
		if err := rows.Scan(&b.BatchID, &b.RunID, &b.Target, &launched,
			&b.Plan.HackThreads, &b.Plan.WeakenForHack, &b.Plan.GrowThreads, &b.Plan.WeakenForGrow,
			&b.Plan.TotalRAM, &b.Plan.StealRatio, &healthy, &money, &gap); err != nil {
			return nil, err
		}
		b.LaunchedAt, _ = time.Parse(time.RFC3339Nano, launched)
		if healthy.Valid {
			h := healthy.Bool
			b.Healthy = &h
		}
		b.MoneyFrac = money.Float64
		b.SecurityGap = gap.Float64
		out = append(out, b)
	}
	return out, rows.Err()
}

// HealthCounts tallies assessed batches for target.
func (s *SQLiteIndex) HealthCounts(ctx context.Context, target string) (healthy, unhealthy int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN healthy = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN healthy = 0 THEN 1 ELSE 0 END), 0)
		FROM batches WHERE target = ?`, target).Scan(&healthy, &unhealthy)
	return healthy, unhealthy, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	insertEvent, _ := s.db.Prepare(`INSERT INTO events(run_id,batch_id,at,kind,target,mode,reason,message,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertBatch, _ := s.db.Prepare(`INSERT OR REPLACE INTO batches(batch_id,run_id,target,launched_at,hack_threads,weaken_for_hack,grow_threads,weaken_for_grow,total_ram,steal_ratio) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	settleBatch, _ := s.db.Prepare(`UPDATE batches SET healthy=?, money_frac=?, security_gap=? WHERE batch_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, insertBatch, settleBatch} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Commit idle transactions so readers sharing the single connection
	// are not held up.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case <-ticker.C:
			commit()
			continue
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		}

		if r.flush != nil {
			commit()
			close(r.flush)
			continue
		}

		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		if err := s.apply(tx, insertEvent, insertBatch, settleBatch, r.ev); err != nil {
			rollback()
			continue
		}
		opCount++
		flushIfNeeded()
	}
}

func (s *SQLiteIndex) apply(tx *sql.Tx, insertEvent, insertBatch, settleBatch *sql.Stmt, ev game.Event) error {
	if insertEvent == nil || insertBatch == nil || settleBatch == nil {
		return fmt.Errorf("statements not prepared")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	at := ev.At.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Stmt(insertEvent).Exec(ev.RunID, nullString(ev.BatchID), at, string(ev.Kind), ev.Target,
		string(ev.Mode), nullString(string(ev.Reason)), nullString(ev.Message), string(raw)); err != nil {
		return err
	}

	switch {
	case ev.Kind == game.EventBatchLaunch && ev.BatchID != "" && ev.Plan != nil:
		p := ev.Plan
		_, err = tx.Stmt(insertBatch).Exec(ev.BatchID, ev.RunID, ev.Target, at,
			p.HackThreads, p.WeakenForHack, p.GrowThreads, p.WeakenForGrow, p.TotalRAM, p.StealRatio)
	case ev.Kind == game.EventOutcome && ev.BatchID != "" && ev.Healthy != nil:
		var money, gap float64
		if ev.Server != nil {
			money = ev.Server.MoneyFraction()
			gap = ev.Server.SecurityGap()
		}
		_, err = tx.Stmt(settleBatch).Exec(*ev.Healthy, money, gap, ev.BatchID)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
