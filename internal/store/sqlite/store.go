package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"marketresearch/internal/market"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 instrument@period 数据文件的统计信息。
type Manifest struct {
	Instrument string `json:"instrument"`
	Period     string `json:"period"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Store 把每个 (instrument, period) 放进独立的 SQLite 文件，
// 并以列访问方式实现 dataview.BarSource。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(instrument, period string) (*sql.DB, string, error) {
	p, err := market.ParsePeriod(period)
	if err != nil {
		return nil, "", err
	}
	if instrument == "" {
		return nil, "", fmt.Errorf("instrument 不能为空")
	}
	key := strings.ToUpper(instrument) + "@" + p.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, s.dbPath(instrument, p), nil
	}
	path := s.dbPath(instrument, p)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, instrument, p.Name); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

// unitWords 把周期单位字母展开成文件名片段，避免大小写不敏感文件系统
// 上 m1（分钟）与 M1（月）互相覆盖。
var unitWords = map[byte]string{'m': "min", 'H': "hour", 'D': "day", 'W': "week", 'M': "mon"}

func (s *Store) dbPath(instrument string, p market.Period) string {
	dir := filepath.Join(s.root, strings.ToUpper(instrument))
	name := fmt.Sprintf("%s%d.db", unitWords[p.Unit], p.Multiple)
	return filepath.Join(dir, name)
}

func ensureSchema(db *sql.DB, instrument, period string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			open_time INTEGER PRIMARY KEY,
			open      REAL NOT NULL,
			high      REAL NOT NULL,
			low       REAL NOT NULL,
			close     REAL NOT NULL,
			volume    REAL NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			instrument TEXT NOT NULL,
			period TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, instrument, period) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET instrument=excluded.instrument, period=excluded.period;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, strings.ToUpper(instrument), period)
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertBars 批量写入（重复 open_time 覆盖），随后刷新 manifest。
func (s *Store) InsertBars(ctx context.Context, instrument, period string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, _, err := s.db(instrument, period)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM bars),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM bars),
		    rows = (SELECT COUNT(1) FROM bars),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func (s *Store) Manifest(ctx context.Context, instrument, period string) (Manifest, error) {
	db, path, err := s.db(instrument, period)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT instrument,period,min_time,max_time,rows,last_sync_at FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Instrument, &m.Period, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

// Timestamps 实现 dataview.BarSource：全量开盘时刻，升序。
func (s *Store) Timestamps(instrument, period string) ([]int64, error) {
	db, _, err := s.db(instrument, period)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT open_time FROM bars ORDER BY open_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Retrieve 实现 dataview.BarSource：按字段名取整列数值。
func (s *Store) Retrieve(instrument, period, field string) ([]float64, error) {
	switch field {
	case market.FieldOpen, market.FieldHigh, market.FieldLow, market.FieldClose, market.FieldVolume:
	default:
		return nil, fmt.Errorf("未知字段 %s", field)
	}
	db, _, err := s.db(instrument, period)
	if err != nil {
		return nil, err
	}
	// field 已白名单校验，直接拼列名
	rows, err := db.Query(fmt.Sprintf(`SELECT %s FROM bars ORDER BY open_time ASC`, field))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LoadOpenTimes 返回指定区间内已有的 open_time，安装器据此跳过已有数据。
func (s *Store) LoadOpenTimes(ctx context.Context, instrument, period string, start, end int64) ([]int64, error) {
	db, _, err := s.db(instrument, period)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM bars WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// QueryBars 读取指定区间的 Bar（升序，limit 截断）。
func (s *Store) QueryBars(ctx context.Context, instrument, period string, start, end int64, limit int) ([]market.Bar, error) {
	db, _, err := s.db(instrument, period)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM bars WHERE open_time >= ? AND (? <= 0 OR open_time <= ?)
		ORDER BY open_time ASC LIMIT ?`, start, end, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
