package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Conductor/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。
//
// Assign 通过条件 UPDATE（assigned_to = '' AND status = 'todo'）加
// RowsAffected 校验实现抢占，保证同一任务绝不会同时分配给两个智能体。
type MySQLStore struct {
	db *sql.DB
}

// assignCandidateWindow 是一次分配尝试中参与竞争的候选任务数量上限。
const assignCandidateWindow = 20

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        description TEXT,
        status VARCHAR(32) NOT NULL,
        priority INT NOT NULL DEFAULT 100,
        labels TEXT,
        subtasks TEXT,
        assigned_to VARCHAR(64) NOT NULL DEFAULT '',
        progress INT NOT NULL DEFAULT 0,
        block_reason TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tasks_status (status),
        INDEX idx_tasks_assignee (assigned_to),
        INDEX idx_tasks_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE tasks ADD COLUMN block_reason TEXT AFTER progress`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 tasks.block_reason 失败")
		}
	}
	return nil
}

const taskColumns = `id, name, description, status, priority, labels, subtasks, assigned_to, progress, block_reason, created_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.Status == "" {
		task.Status = StatusTodo
	}
	if !IsValidStatus(task.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	labelsValue, err := marshalJSONColumn(task.Labels)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务标签失败")
	}
	subtasksValue, err := marshalJSONColumn(task.Subtasks)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务子项失败")
	}

	const stmt = `INSERT INTO tasks
        (id, name, description, status, priority, labels, subtasks, assigned_to, progress, block_reason, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Name,
		task.Description,
		task.Status,
		task.Priority,
		labelsValue,
		subtasksValue,
		task.AssignedTo,
		task.Progress,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Assign 挑选候选任务并通过条件 UPDATE 抢占。
func (s *MySQLStore) Assign(ctx context.Context, agentID string, skills []string) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}

	const candidateStmt = `SELECT id, labels FROM tasks
        WHERE status = ? AND assigned_to = ''
        ORDER BY priority DESC, created_at ASC, id ASC
        LIMIT ?`

	rows, err := s.db.QueryContext(ctx, candidateStmt, StatusTodo, assignCandidateWindow)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询候选任务失败")
	}
	type candidate struct {
		id     string
		labels []string
	}
	candidates := make([]candidate, 0, assignCandidateWindow)
	for rows.Next() {
		var c candidate
		var labels sql.NullString
		if err := rows.Scan(&c.id, &labels); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析候选任务失败")
		}
		if err := unmarshalJSONColumn(labels, &c.labels); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务标签失败")
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历候选任务失败")
	}

	const claimStmt = `UPDATE tasks
        SET status = ?, assigned_to = ?, block_reason = '', updated_at = ?
        WHERE id = ? AND status = ? AND assigned_to = ''`

	for _, c := range candidates {
		probe := Task{Labels: c.labels}
		if !probe.MatchesSkills(skills) {
			continue
		}
		res, err := s.db.ExecContext(ctx, claimStmt,
			StatusInProgress,
			agentID,
			time.Now().Unix(),
			c.id,
			StatusTodo,
		)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "抢占任务失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			// 其他智能体先抢到了，继续尝试下一个候选。
			continue
		}
		return s.Get(ctx, c.id)
	}
	return nil, ErrNoTaskAvailable
}

// FindAssigned 返回智能体当前持有的任务。
func (s *MySQLStore) FindAssigned(ctx context.Context, agentID string) (*Task, error) {
	const stmt = `SELECT ` + taskColumns + ` FROM tasks
        WHERE assigned_to = ? AND status IN (?, ?)
        ORDER BY updated_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, stmt, agentID, StatusInProgress, StatusBlocked)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询持有任务失败")
	}
	return task, nil
}

// UpdateProgress 更新任务进度，到达 100 时任务完成。
func (s *MySQLStore) UpdateProgress(ctx context.Context, id, agentID string, percent int) (*Task, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	status := StatusInProgress
	if percent >= 100 {
		status = StatusDone
	}

	const stmt = `UPDATE tasks SET progress = ?, status = ?, block_reason = '', updated_at = ?
        WHERE id = ? AND assigned_to = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		percent,
		status,
		time.Now().Unix(),
		id,
		agentID,
		StatusInProgress,
		StatusBlocked,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务进度失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return s.classifyReportFailure(ctx, id, agentID)
	}
	return s.Get(ctx, id)
}

// MarkBlocked 将任务标记为阻塞。
func (s *MySQLStore) MarkBlocked(ctx context.Context, id, agentID, reason string) (*Task, error) {
	const stmt = `UPDATE tasks SET status = ?, block_reason = ?, updated_at = ?
        WHERE id = ? AND assigned_to = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusBlocked,
		reason,
		time.Now().Unix(),
		id,
		agentID,
		StatusInProgress,
		StatusBlocked,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务阻塞失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return s.classifyReportFailure(ctx, id, agentID)
	}
	return s.Get(ctx, id)
}

// classifyReportFailure 在条件更新未命中后回查任务，给出确切错误。
func (s *MySQLStore) classifyReportFailure(ctx context.Context, id, agentID string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusDone {
		return task, ErrTaskDone
	}
	if task.AssignedTo != agentID {
		return task, ErrNotAssignee
	}
	return task, ErrTaskConflict
}

// Unassign 解除分配并回到待办状态。
func (s *MySQLStore) Unassign(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE tasks SET status = ?, assigned_to = '', block_reason = '', updated_at = ?
        WHERE id = ? AND status <> ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusTodo,
		time.Now().Unix(),
		id,
		StatusDone,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解除任务分配失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if task.Status == StatusDone {
			return task, ErrTaskDone
		}
		return task, ErrTaskConflict
	}
	return s.Get(ctx, id)
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS todo,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS in_progress,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS blocked,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS done,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusTodo), string(StatusInProgress), string(StatusBlocked), string(StatusDone)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Todo,
		&stats.InProgress,
		&stats.Blocked,
		&stats.Done,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var description, blockReason sql.NullString
	var labels, subtasks sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.Name,
		&description,
		&task.Status,
		&task.Priority,
		&labels,
		&subtasks,
		&task.AssignedTo,
		&task.Progress,
		&blockReason,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Description = description.String
	task.BlockReason = blockReason.String
	if err := unmarshalJSONColumn(labels, &task.Labels); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(subtasks, &task.Subtasks); err != nil {
		return nil, err
	}
	return &task, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []Subtask:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString, out any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), out)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.AssignedTo != "" {
		conditions = append(conditions, "assigned_to = ?")
		args = append(args, opts.AssignedTo)
	}
	if opts.Label != "" {
		// 标签以 JSON 数组形式落库，字符串匹配足以覆盖过滤场景。
		conditions = append(conditions, "labels LIKE ?")
		args = append(args, `%"`+opts.Label+`"%`)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR name LIKE ? OR description LIKE ? OR block_reason LIKE ? OR assigned_to LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
