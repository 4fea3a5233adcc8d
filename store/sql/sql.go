// Package sql implements the store contract on database/sql, sharing one
// query shape between the sqlite and mysql drivers.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSqlite dialect = iota
	dialectMysql
)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

var _ store.Store = (*sqlStore)(nil)

// NewSqliteStore opens (and migrates) a sqlite-backed store at the given
// path. Use ":memory:" for an ephemeral store.
func NewSqliteStore(path string) (store.Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// Concurrent writers deadlock a single sqlite file otherwise.
	db.SetMaxOpenConns(1)

	s := &sqlStore{db: db, dialect: dialectSqlite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewMysqlStore opens (and migrates) a mysql-backed store.
func NewMysqlStore(host string, port int, user, password, database string) (store.Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true&multiStatements=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql database: %w", err)
	}

	s := &sqlStore{db: db, dialect: dialectMysql}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *sqlStore) migrate() error {
	source, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	var driver database.Driver
	var name string
	switch s.dialect {
	case dialectMysql:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
		name = "mysql"
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		name = "sqlite"
	}
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	res, err := s.db.ExecContext(
		ctx,
		s.insertIgnore()+` INTO workflow_instances
			(id, definition_id, state, command_type, tenant, parent_instance_id, parent_node_code, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID,
		instance.DefinitionID,
		int(instance.State),
		int(instance.CommandType),
		instance.Tenant,
		instance.ParentInstanceID,
		instance.ParentNodeCode,
		toNanos(instance.StartedAt),
		toNanos(instance.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting workflow instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return store.ErrInstanceAlreadyExists
	}

	return nil
}

func (s *sqlStore) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, definition_id, state, command_type, tenant, parent_instance_id, parent_node_code, started_at, ended_at
			FROM workflow_instances WHERE id = ?`,
		instanceID,
	)

	return scanWorkflowInstance(row)
}

func (s *sqlStore) UpdateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflow_instances SET state = ?, command_type = ?, ended_at = ? WHERE id = ?`,
		int(instance.State),
		int(instance.CommandType),
		toNanos(instance.EndedAt),
		instance.ID,
	)
	if err != nil {
		return fmt.Errorf("updating workflow instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// RowsAffected is also 0 for no-op updates; distinguish missing rows.
		if _, err := s.GetWorkflowInstance(ctx, instance.ID); err != nil {
			return err
		}
	}

	return nil
}

func (s *sqlStore) ListRunningWorkflowInstances(ctx context.Context) ([]*core.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, definition_id, state, command_type, tenant, parent_instance_id, parent_node_code, started_at, ended_at
			FROM workflow_instances WHERE state = ?`,
		int(core.WorkflowStateRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("querying running workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []*core.WorkflowInstance
	for rows.Next() {
		wi, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, wi)
	}

	return instances, rows.Err()
}

func (s *sqlStore) CreateTaskInstance(ctx context.Context, task *core.TaskInstance) error {
	varpool, err := encodeVarpool(task.Varpool)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO task_instances
			(id, workflow_instance_id, node_code, state, host, retry_count, submitted_at, started_at, ended_at, exit_code, failure_cause, varpool)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.WorkflowInstanceID,
		task.NodeCode,
		int(task.State),
		task.Host,
		task.RetryCount,
		toNanos(task.SubmittedAt),
		toNanos(task.StartedAt),
		toNanos(task.EndedAt),
		task.ExitCode,
		task.FailureCause,
		varpool,
	)
	if err != nil {
		return fmt.Errorf("inserting task instance: %w", err)
	}

	return nil
}

func (s *sqlStore) UpdateTaskInstance(ctx context.Context, task *core.TaskInstance) error {
	varpool, err := encodeVarpool(task.Varpool)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE task_instances
			SET state = ?, host = ?, retry_count = ?, started_at = ?, ended_at = ?, exit_code = ?, failure_cause = ?, varpool = ?
			WHERE id = ?`,
		int(task.State),
		task.Host,
		task.RetryCount,
		toNanos(task.StartedAt),
		toNanos(task.EndedAt),
		task.ExitCode,
		task.FailureCause,
		varpool,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetTaskInstance(ctx, task.ID); err != nil {
			return err
		}
	}

	return nil
}

func (s *sqlStore) GetTaskInstance(ctx context.Context, taskInstanceID string) (*core.TaskInstance, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, workflow_instance_id, node_code, state, host, retry_count, submitted_at, started_at, ended_at, exit_code, failure_cause, varpool
			FROM task_instances WHERE id = ?`,
		taskInstanceID,
	)

	return scanTaskInstance(row)
}

func (s *sqlStore) ListTaskInstances(ctx context.Context, instanceID string) ([]*core.TaskInstance, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_instance_id, node_code, state, host, retry_count, submitted_at, started_at, ended_at, exit_code, failure_cause, varpool
			FROM task_instances WHERE workflow_instance_id = ? ORDER BY submitted_at`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying task instances: %w", err)
	}
	defer rows.Close()

	var tasks []*core.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ti)
	}

	return tasks, rows.Err()
}

func (s *sqlStore) AppendEvent(ctx context.Context, event *taskevent.Event) error {
	varpool, err := encodeVarpool(event.Varpool)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		s.insertIgnore()+` INTO task_events
			(fingerprint, id, kind, workflow_instance_id, task_instance_id, host, exit_code, log_path, cause, varpool, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Fingerprint(),
		event.ID,
		int(event.Kind),
		event.WorkflowInstanceID,
		event.TaskInstanceID,
		event.Host,
		event.ExitCode,
		event.LogPath,
		event.Cause,
		varpool,
		toNanos(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting task event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrDuplicateEvent
	}

	return nil
}

func (s *sqlStore) insertIgnore() string {
	if s.dialect == dialectMysql {
		return "INSERT IGNORE"
	}

	return "INSERT OR IGNORE"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflowInstance(row scanner) (*core.WorkflowInstance, error) {
	var wi core.WorkflowInstance
	var state, commandType int
	var startedAt, endedAt int64

	err := row.Scan(
		&wi.ID, &wi.DefinitionID, &state, &commandType, &wi.Tenant,
		&wi.ParentInstanceID, &wi.ParentNodeCode, &startedAt, &endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("scanning workflow instance: %w", err)
	}

	wi.State = core.WorkflowState(state)
	wi.CommandType = core.CommandType(commandType)
	wi.StartedAt = fromNanos(startedAt)
	wi.EndedAt = fromNanos(endedAt)

	return &wi, nil
}

func scanTaskInstance(row scanner) (*core.TaskInstance, error) {
	var ti core.TaskInstance
	var state int
	var submittedAt, startedAt, endedAt int64
	var varpool sql.NullString

	err := row.Scan(
		&ti.ID, &ti.WorkflowInstanceID, &ti.NodeCode, &state, &ti.Host, &ti.RetryCount,
		&submittedAt, &startedAt, &endedAt, &ti.ExitCode, &ti.FailureCause, &varpool,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scanning task instance: %w", err)
	}

	ti.State = core.TaskState(state)
	ti.SubmittedAt = fromNanos(submittedAt)
	ti.StartedAt = fromNanos(startedAt)
	ti.EndedAt = fromNanos(endedAt)

	if varpool.Valid && varpool.String != "" {
		if err := json.Unmarshal([]byte(varpool.String), &ti.Varpool); err != nil {
			return nil, fmt.Errorf("decoding varpool: %w", err)
		}
	}

	return &ti, nil
}

func encodeVarpool(varpool map[string]string) (string, error) {
	if len(varpool) == 0 {
		return "", nil
	}

	b, err := json.Marshal(varpool)
	if err != nil {
		return "", fmt.Errorf("encoding varpool: %w", err)
	}

	return string(b), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}
