package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ReportKind 区分进度上报与阻塞上报。
type ReportKind string

const (
	ReportProgress ReportKind = "progress"
	ReportBlocker  ReportKind = "blocker"
)

// ReportRecord 表示一次智能体上报的落库结构。
type ReportRecord struct {
	AgentID   string     `json:"agent_id"`
	TaskID    string     `json:"task_id"`
	Kind      ReportKind `json:"kind"`
	Status    string     `json:"status"`
	Percent   int        `json:"percent"`
	Message   string     `json:"message"`
	CreatedAt int64      `json:"created_at"`
}

// ReportRepository 抽象上报日志的持久化接口。
type ReportRepository interface {
	Save(ctx context.Context, record ReportRecord) error
	ListLatest(ctx context.Context, limit int) ([]ReportRecord, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]ReportRecord, error)
}

// FileReportRepository 使用本地 JSONL 文件保存上报日志，方便单机部署与迭代开发。
type FileReportRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ReportRecord
}

// maxCachedReports 是内存中保留的最近上报数量。
const maxCachedReports = 512

// NewFileReportRepository 创建一个文件上报仓库。
func NewFileReportRepository(dataDir string) (*FileReportRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "reports.log")
	repo := &FileReportRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录上报。
func (f *FileReportRepository) Save(_ context.Context, record ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开上报日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化上报记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入上报日志失败: %w", err)
	}

	f.records = append([]ReportRecord{record}, f.records...)
	if len(f.records) > maxCachedReports {
		f.records = f.records[:maxCachedReports]
	}
	return nil
}

// ListLatest 返回最近的上报记录，按时间倒序排列。
func (f *FileReportRepository) ListLatest(_ context.Context, limit int) ([]ReportRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}

	results := make([]ReportRecord, limit)
	copy(results, f.records[:limit])
	return results, nil
}

// ListByTask 返回指定任务的最近上报记录。
func (f *FileReportRepository) ListByTask(_ context.Context, taskID string, limit int) ([]ReportRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	results := make([]ReportRecord, 0, limit)
	for _, record := range f.records {
		if record.TaskID != taskID {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (f *FileReportRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取上报日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []ReportRecord
	for scanner.Scan() {
		var record ReportRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ReportRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析上报日志失败: %w", err)
	}

	if len(restored) > maxCachedReports {
		restored = restored[:maxCachedReports]
	}
	if len(restored) > 0 {
		f.records = restored
	}
	return nil
}

// SQLReportRepository 使用真实的 MySQL 数据库存储上报日志。
type SQLReportRepository struct {
	db *sql.DB
}

// NewSQLReportRepository 创建连接池并执行迁移。
func NewSQLReportRepository(ctx context.Context, cfg Config) (*SQLReportRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLReportRepository{db: db}, nil
}

// Save 将上报记录写入 MySQL。
func (s *SQLReportRepository) Save(ctx context.Context, record ReportRecord) error {
	const stmt = `INSERT INTO agent_reports
        (agent_id, task_id, kind, status, percent, message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.AgentID,
		record.TaskID,
		record.Kind,
		record.Status,
		record.Percent,
		record.Message,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入上报记录失败: %w", err)
	}
	return nil
}

const reportColumns = `agent_id, task_id, kind, status, percent, message, created_at`

// ListLatest 查询最近的若干条上报记录。
func (s *SQLReportRepository) ListLatest(ctx context.Context, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+`
        FROM agent_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询上报记录失败: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

// ListByTask 查询指定任务的上报记录。
func (s *SQLReportRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("任务 ID 不能为空")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+`
        FROM agent_reports WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询任务上报记录失败: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

func collectReports(rows *sql.Rows) ([]ReportRecord, error) {
	var records []ReportRecord
	for rows.Next() {
		var record ReportRecord
		if err := rows.Scan(&record.AgentID, &record.TaskID, &record.Kind, &record.Status, &record.Percent, &record.Message, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析上报记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历上报记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReportRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ReportRepository = (*FileReportRepository)(nil)
	_ ReportRepository = (*SQLReportRepository)(nil)
)
