package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// SQLiteStorage implements Storage using SQLite. Grounded on the teacher's
// pkg/storage/sqlite.go: embedded migrations, pragma tuning, a buffered
// async write path, prepared statements. Unlike the teacher, LogRequest
// never silently drops a record under back-pressure: spec section 4.7
// requires every transaction to persist, so a full buffer blocks the
// caller (bounded by ctx) instead of dropping.
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *Config
	buffer          chan *RequestRecord
	stmtInsertReq   *sql.Stmt
	stmtInsertSys   *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (and migrates) a SQLite-backed store.
func NewSQLiteStorage(cfg *Config) (*SQLiteStorage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(max(1, cfg.PoolSize))
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.SQLite.BusyTimeout),
		fmt.Sprintf("PRAGMA cache_size = %d", -cfg.SQLite.CacheSize),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.SQLite.MMapSize > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA mmap_size = %d", cfg.SQLite.MMapSize))
	}
	if cfg.SQLite.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if cfg.SQLite.InitSQL != "" {
		if _, err := db.Exec(cfg.SQLite.InitSQL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db_opt statement failed: %w", err)
		}
	}

	stmtReq, err := db.Prepare(`
		INSERT INTO dns_requests
		(req_time, req_type, request, response, filtered, reason, responded, resp_ms, requester)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare dns_requests insert: %w", err)
	}

	stmtSys, err := db.Prepare(`
		INSERT INTO sys_info (s_time, cpu_avg, cpu_temp, memory, temperature, humidity)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare sys_info insert: %w", err)
	}

	s := &SQLiteStorage{
		db:            db,
		cfg:           cfg,
		buffer:        make(chan *RequestRecord, cfg.BufferSize),
		stmtInsertReq: stmtReq,
		stmtInsertSys: stmtSys,
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogRequest enqueues a query transaction record for async persistence.
// When the buffer is saturated this applies back-pressure by blocking on
// ctx rather than dropping the record, per spec's durability requirement.
func (s *SQLiteStorage) LogRequest(ctx context.Context, rec *RequestRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if rec.ReqTime.IsZero() {
		rec.ReqTime = time.Now()
	}
	select {
	case s.buffer <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*RequestRecord, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("failed to flush dns_requests batch", "error", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLiteStorage) flushBatch(recs []*RequestRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertReq)
	for _, r := range recs {
		if _, err := stmt.Exec(r.ReqTime, r.ReqType, r.Request, r.Response, string(r.Filtered), r.Reason, r.Responded, r.RespMs, r.Requester); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// RecentRequests returns the most recent query transaction records.
func (s *SQLiteStorage) RecentRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, req_time, req_type, request, response, filtered, reason, responded, resp_ms, requester
		FROM dns_requests ORDER BY req_time DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RequestRecord
	for rows.Next() {
		var r RequestRecord
		var filtered string
		if err := rows.Scan(&r.ID, &r.ReqTime, &r.ReqType, &r.Request, &r.Response, &filtered, &r.Reason, &r.Responded, &r.RespMs, &r.Requester); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		r.Filtered = Filtered(filtered)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// TimeSeries buckets requests since `since` into `buckets` equal slices,
// per spec section 4.7.
func (s *SQLiteStorage) TimeSeries(ctx context.Context, since time.Time, buckets int) ([]TimeSeriesBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if buckets <= 0 {
		return nil, fmt.Errorf("buckets must be > 0")
	}

	width := time.Since(since) / time.Duration(buckets)
	if width <= 0 {
		width = time.Second
	}
	result := make([]TimeSeriesBucket, buckets)
	for i := range result {
		result[i].Start = since.Add(width * time.Duration(i))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT req_time, filtered, responded FROM dns_requests WHERE req_time >= ?
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var reqTime time.Time
		var filtered string
		var responded bool
		if err := rows.Scan(&reqTime, &filtered, &responded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		idx := int(reqTime.Sub(since) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		b := &result[idx]
		switch {
		case !responded:
			b.Failed++
		case Filtered(filtered) == FilteredBlocked:
			b.Blocked++
		case Filtered(filtered) == FilteredAllowed:
			b.Allowed++
		default:
			b.Passed++
		}
	}
	return result, rows.Err()
}

// TopNames returns the top-N most requested names in a given Filtered class.
func (s *SQLiteStorage) TopNames(ctx context.Context, filtered Filtered, limit int) ([]NameCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request, COUNT(*) AS c FROM dns_requests
		WHERE filtered = ? GROUP BY request ORDER BY c DESC LIMIT ?
	`, string(filtered), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []NameCount
	for rows.Next() {
		var nc NameCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}

// QueryTypeCounts returns counts grouped by DNS record type.
func (s *SQLiteStorage) QueryTypeCounts(ctx context.Context, since time.Time) ([]QueryTypeCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT req_type, COUNT(*) AS c FROM dns_requests
		WHERE req_time >= ? GROUP BY req_type ORDER BY c DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueryTypeCount
	for rows.Next() {
		var qc QueryTypeCount
		if err := rows.Scan(&qc.QueryType, &qc.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// Rules loads every persisted policy rule.
func (s *SQLiteStorage) Rules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, expression, is_regex, enabled, is_allow FROM filters ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Expression, &r.IsRegex, &r.Enabled, &r.IsAllow); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRules replaces the persisted rule set transactionally.
func (s *SQLiteStorage) SaveRules(ctx context.Context, rules []Rule) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM filters"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO filters (expression, is_regex, enabled, is_allow) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rules {
		if _, err := stmt.ExecContext(ctx, r.Expression, r.IsRegex, r.Enabled, r.IsAllow); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	return tx.Commit()
}

// BlocklistSources returns the current block_list bookkeeping rows.
func (s *SQLiteStorage) BlocklistSources(ctx context.Context) ([]BlocklistSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, src, retry_count, domain_count, last_updated FROM block_list ORDER BY domain_count DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []BlocklistSource
	for rows.Next() {
		var b BlocklistSource
		var lastUpdated sql.NullTime
		if err := rows.Scan(&b.ID, &b.Src, &b.RetryCount, &b.DomainCount, &lastUpdated); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if lastUpdated.Valid {
			b.LastUpdated = lastUpdated.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddBlocklistSource registers a new blocklist source URL with zeroed
// bookkeeping, letting the next BlocklistFetcher poll pick it up. A src
// already present is left untouched.
func (s *SQLiteStorage) AddBlocklistSource(ctx context.Context, src string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_list (src, retry_count, domain_count) VALUES (?, 0, -1)
		ON CONFLICT(src) DO NOTHING
	`, src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// ReplaceBlocklist clears blocked_domains and reinserts the fetched domains
// within a single transaction, then upserts source bookkeeping rows, per
// the BlocklistFetcher refresh design in spec section 4.4.
func (s *SQLiteStorage) ReplaceBlocklist(ctx context.Context, sources []BlocklistSource, domains <-chan BlockedDomain) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM blocked_domains"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	insertDomain, err := tx.PrepareContext(ctx, `
		INSERT INTO blocked_domains (domain_name, source) VALUES (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = insertDomain.Close() }()

	for d := range domains {
		if _, err := insertDomain.ExecContext(ctx, d.DomainName, d.Source); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	upsertSource, err := tx.PrepareContext(ctx, `
		INSERT INTO block_list (src, retry_count, domain_count, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(src) DO UPDATE SET
			retry_count = excluded.retry_count,
			domain_count = excluded.domain_count,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = upsertSource.Close() }()

	for _, src := range sources {
		if _, err := upsertSource.ExecContext(ctx, src.Src, src.RetryCount, src.DomainCount, src.LastUpdated); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	return tx.Commit()
}

// BlockedDomainNames streams every currently blocked domain name, feeding
// policy.BuildArtifact.
func (s *SQLiteStorage) BlockedDomainNames(ctx context.Context) (<-chan string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT domain_name FROM blocked_domains")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	out := make(chan string, 256)
	go func() {
		defer close(out)
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				slog.Default().Error("failed scanning blocked_domains row", "error", err)
				return
			}
			select {
			case out <- name:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LogSysInfo persists one host/sensor telemetry sample.
func (s *SQLiteStorage) LogSysInfo(ctx context.Context, rec *SysInfoRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if rec.STime.IsZero() {
		rec.STime = time.Now()
	}
	_, err := s.stmtInsertSys.ExecContext(ctx, rec.STime, rec.CPUAvg, rec.CPUTemp, rec.Memory, rec.Temperature, rec.Humidity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// SysInfoSeries returns sensor/host telemetry samples since a given time.
func (s *SQLiteStorage) SysInfoSeries(ctx context.Context, since time.Time) ([]SysInfoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s_time, cpu_avg, cpu_temp, memory, temperature, humidity
		FROM sys_info WHERE s_time >= ? ORDER BY s_time ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []SysInfoRecord
	for rows.Next() {
		var r SysInfoRecord
		if err := rows.Scan(&r.STime, &r.CPUAvg, &r.CPUTemp, &r.Memory, &r.Temperature, &r.Humidity); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes dns_requests and sys_info rows older than olderThan, the
// MaintenanceScheduler's 02:00 housekeeping hook.
func (s *SQLiteStorage) Prune(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM dns_requests WHERE req_time < ?", olderThan); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sys_info WHERE s_time < ?", olderThan); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Close drains the flush worker and closes the underlying database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	_ = s.stmtInsertReq.Close()
	_ = s.stmtInsertSys.Close()
	return s.db.Close()
}

// Ping checks database reachability.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}
