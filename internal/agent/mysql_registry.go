package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Conductor/internal/errors"
)

// MySQLRegistry 使用 MySQL 维护智能体目录。
type MySQLRegistry struct {
	db       *sql.DB
	maxCount int
}

// NewMySQLRegistry 创建 MySQLRegistry。maxCount 小于等于 0 时不限制数量。
func NewMySQLRegistry(dsn string, maxCount int) (*MySQLRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	registry := &MySQLRegistry{db: db, maxCount: maxCount}
	if err := registry.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return registry, nil
}

func (r *MySQLRegistry) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        role VARCHAR(64) NOT NULL,
        skills TEXT,
        state VARCHAR(32) NOT NULL,
        current_task_id VARCHAR(64) NOT NULL DEFAULT '',
        tasks_completed INT NOT NULL DEFAULT 0,
        registered_at BIGINT NOT NULL,
        last_seen_at BIGINT NOT NULL,
        INDEX idx_agents_state (state)
)`

	if _, err := r.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

const agentColumns = `id, name, role, skills, state, current_task_id, tasks_completed, registered_at, last_seen_at`

// Register 新增或幂等更新智能体。
func (r *MySQLRegistry) Register(ctx context.Context, agent *Agent) (*Agent, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	skillsValue := sql.NullString{}
	if len(agent.Skills) > 0 {
		bytes, err := json.Marshal(agent.Skills)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码智能体技能失败")
		}
		skillsValue = sql.NullString{String: string(bytes), Valid: true}
	}

	if r.maxCount > 0 {
		var count int
		row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id <> ?`, agent.ID)
		if err := row.Scan(&count); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计智能体数量失败")
		}
		if count >= r.maxCount {
			return nil, ErrAgentLimit
		}
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO agents
        (id, name, role, skills, state, current_task_id, tasks_completed, registered_at, last_seen_at)
        VALUES (?, ?, ?, ?, ?, '', 0, ?, ?)
        ON DUPLICATE KEY UPDATE
        name = VALUES(name),
        role = VALUES(role),
        skills = VALUES(skills),
        state = IF(state = 'offline', 'idle', state),
        last_seen_at = VALUES(last_seen_at)`

	_, err := r.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.Name,
		agent.Role,
		skillsValue,
		StateIdle,
		now,
		now,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return r.Get(ctx, agent.ID)
}

// Get 返回指定智能体。
func (r *MySQLRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return agent, nil
}

// List 返回全部智能体，按注册时间排序。
func (r *MySQLRegistry) List(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	agents := make([]*Agent, 0, 16)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// SetAssignment 绑定智能体与任务。
func (r *MySQLRegistry) SetAssignment(ctx context.Context, id, taskID string) error {
	const stmt = `UPDATE agents SET current_task_id = ?, state = ?, last_seen_at = ? WHERE id = ?`
	return r.execExpectingAgent(ctx, stmt, taskID, StateWorking, time.Now().Unix(), id)
}

// ClearAssignment 解除任务绑定。
func (r *MySQLRegistry) ClearAssignment(ctx context.Context, id string, completed bool) error {
	increment := 0
	if completed {
		increment = 1
	}
	const stmt = `UPDATE agents SET current_task_id = '', state = ?, tasks_completed = tasks_completed + ?, last_seen_at = ? WHERE id = ?`
	return r.execExpectingAgent(ctx, stmt, StateIdle, increment, time.Now().Unix(), id)
}

// Touch 刷新智能体的活跃时间。
func (r *MySQLRegistry) Touch(ctx context.Context, id string) error {
	const stmt = `UPDATE agents SET last_seen_at = ?, state = IF(state = 'offline', 'idle', state) WHERE id = ?`
	return r.execExpectingAgent(ctx, stmt, time.Now().Unix(), id)
}

func (r *MySQLRegistry) execExpectingAgent(ctx context.Context, stmt string, args ...any) error {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// UPDATE 未命中时需要区分记录不存在与取值未变化。
		row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, args[len(args)-1])
		var count int
		if scanErr := row.Scan(&count); scanErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "回查智能体失败")
		}
		if count == 0 {
			return ErrAgentNotFound
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (r *MySQLRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var skills sql.NullString
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Role,
		&skills,
		&agent.State,
		&agent.CurrentTaskID,
		&agent.TasksCompleted,
		&agent.RegisteredAt,
		&agent.LastSeenAt,
	); err != nil {
		return nil, err
	}
	if skills.Valid && strings.TrimSpace(skills.String) != "" {
		if err := json.Unmarshal([]byte(skills.String), &agent.Skills); err != nil {
			return nil, err
		}
	}
	return &agent, nil
}

var _ Registry = (*MySQLRegistry)(nil)
