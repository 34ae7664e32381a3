package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ResultStore 用 Gorm + SQLite 持久化 run、成交记录与进度快照。
type ResultStore struct {
	db *gorm.DB
}

type runModel struct {
	ID         string `gorm:"primaryKey"`
	Instrument string `gorm:"index"`
	Strategy   string
	Status     string `gorm:"index"`
	StartTS    int64
	EndTS      int64
	Message    string
	ConfigJSON datatypes.JSON
	StatsJSON  datatypes.JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (runModel) TableName() string { return "backtest_runs" }

type tradeModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index"`
	Span      string `gorm:"index"`
	TradeID   string
	Side      string
	Status    string
	Entry     float64
	Stop      float64
	Target    float64
	Volume    float64
	PlacedAt  int64
	Deadline  int64
	EntryFill float64
	EntryTime int64
	ExitFill  float64
	ExitTime  int64
	Win       bool
	Amount    float64
	R         float64
	CreatedAt time.Time
}

func (tradeModel) TableName() string { return "backtest_trades" }

type progressModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index"`
	Span      string
	Clock     int64
	Ticks     int
	Placed    int
	Active    int
	Completed int
	Expired   int
	Rejected  int
	ElapsedMs int64
	CreatedAt time.Time
}

func (progressModel) TableName() string { return "backtest_progress" }

// NewResultStore 打开（必要时创建）结果库。
func NewResultStore(path string) (*ResultStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("result store 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &tradeModel{}, &progressModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：保留少量并行度供 HTTP 侧读取
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	m := runModel{
		ID:         run.ID,
		Instrument: run.Instrument,
		Strategy:   run.Strategy,
		Status:     run.Status,
		StartTS:    run.StartTS,
		EndTS:      run.EndTS,
		Message:    run.Message,
		ConfigJSON: datatypes.JSON(cfgJSON),
		StatsJSON:  datatypes.JSON(statsJSON),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "message": message}).Error
}

// UpdateRunSummary 写入终态统计。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"message":    message,
			"stats_json": datatypes.JSON(statsJSON),
		}).Error
}

// InsertTrades 批量写入一个区间的终态订单。
func (s *ResultStore) InsertTrades(ctx context.Context, runID, span string, trades []*Trade) error {
	if len(trades) == 0 {
		return nil
	}
	models := make([]tradeModel, 0, len(trades))
	for _, t := range trades {
		models = append(models, tradeModel{
			RunID:     runID,
			Span:      span,
			TradeID:   t.ID,
			Side:      t.Side,
			Status:    t.Status,
			Entry:     t.Spec.Entry,
			Stop:      t.Spec.Stop,
			Target:    t.Spec.Target,
			Volume:    t.Spec.Volume,
			PlacedAt:  t.PlacedAt,
			Deadline:  t.Deadline,
			EntryFill: t.EntryFill,
			EntryTime: t.EntryTime,
			ExitFill:  t.ExitFill,
			ExitTime:  t.ExitTime,
			Win:       t.Win,
			Amount:    t.Amount,
			R:         t.R,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(models, 200).Error
}

// InsertProgress 落一条进度快照。
func (s *ResultStore) InsertProgress(ctx context.Context, snap ProgressSnapshot) error {
	m := progressModel{
		RunID:     snap.RunID,
		Span:      snap.Span,
		Clock:     snap.Clock,
		Ticks:     snap.Ticks,
		Placed:    snap.Placed,
		Active:    snap.Active,
		Completed: snap.Completed,
		Expired:   snap.Expired,
		Rejected:  snap.Rejected,
		ElapsedMs: snap.Elapsed.Milliseconds(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// ListRuns 倒序返回最近的 run。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		run, err := runFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// GetRun 按 ID 取单条 run。
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	var m runModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return Run{}, err
	}
	return runFromModel(m)
}

// ListTrades 返回某 run（可选某区间）的成交记录。
func (s *ResultStore) ListTrades(ctx context.Context, runID, span string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if span != "" {
		q = q.Where("span = ?", span)
	}
	var models []tradeModel
	if err := q.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(models))
	for _, m := range models {
		out = append(out, Trade{
			ID: m.TradeID,
			Spec: OrderSpec{
				Entry:  m.Entry,
				Stop:   m.Stop,
				Target: m.Target,
				Volume: m.Volume,
			},
			Side:      m.Side,
			Status:    m.Status,
			PlacedAt:  m.PlacedAt,
			Deadline:  m.Deadline,
			EntryFill: m.EntryFill,
			EntryTime: m.EntryTime,
			ExitFill:  m.ExitFill,
			ExitTime:  m.ExitTime,
			Win:       m.Win,
			Amount:    m.Amount,
			R:         m.R,
		})
	}
	return out, nil
}

// ListProgress 返回某 run 的进度快照（按写入序）。
func (s *ResultStore) ListProgress(ctx context.Context, runID string, limit int) ([]ProgressSnapshot, error) {
	if limit <= 0 || limit > 2000 {
		limit = 400
	}
	var models []progressModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ProgressSnapshot, 0, len(models))
	for _, m := range models {
		out = append(out, ProgressSnapshot{
			RunID:     m.RunID,
			Span:      m.Span,
			Clock:     m.Clock,
			Ticks:     m.Ticks,
			Placed:    m.Placed,
			Active:    m.Active,
			Completed: m.Completed,
			Expired:   m.Expired,
			Rejected:  m.Rejected,
			Elapsed:   time.Duration(m.ElapsedMs) * time.Millisecond,
		})
	}
	return out, nil
}

func runFromModel(m runModel) (Run, error) {
	run := Run{
		ID:         m.ID,
		Instrument: m.Instrument,
		Strategy:   m.Strategy,
		Status:     m.Status,
		StartTS:    m.StartTS,
		EndTS:      m.EndTS,
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &run.Config); err != nil {
			return Run{}, err
		}
	}
	if len(m.StatsJSON) > 0 {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}
