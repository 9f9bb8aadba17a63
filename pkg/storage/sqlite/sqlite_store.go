// Package sqlite is a durable Storage backed by SQLite.
//
// It expects an *sql.DB opened with a SQLite driver; the engine binary
// imports "modernc.org/sqlite" for that. Variables, token lists and join
// state are stored as JSON blobs next to the scalar columns the queries
// filter on.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abada-io/abada-engine/pkg/bpmn/model/flow"
	"github.com/abada-io/abada-engine/pkg/bpmn/runtime"
	"github.com/abada-io/abada-engine/pkg/storage"
)

type Storage struct {
	db *sql.DB
}

var _ storage.Storage = (*Storage)(nil)

// NewStorage initializes the schema in the given database and returns the
// store.
func NewStorage(db *sql.DB) (*Storage, error) {
	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_definition (
			id TEXT PRIMARY KEY,
			definition BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS process_instance (
			key INTEGER PRIMARY KEY,
			definition_id TEXT NOT NULL,
			state TEXT NOT NULL,
			instance BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS user_task (
			id TEXT PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			task BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS timer_job (
			key INTEGER PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			due_at INTEGER NOT NULL,
			timer BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS external_task (
			id TEXT PRIMARY KEY,
			process_instance_key INTEGER NOT NULL,
			topic_name TEXT NOT NULL,
			state TEXT NOT NULL,
			lock_expires_at INTEGER,
			created_at INTEGER NOT NULL,
			task BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS message_subscription (
			key INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			correlation_key TEXT NOT NULL,
			process_instance_key INTEGER NOT NULL,
			subscription BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS signal_subscription (
			key INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			subscription BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_external_task_topic ON external_task (topic_name, state);
		CREATE INDEX IF NOT EXISTS idx_timer_job_due ON timer_job (due_at);
		CREATE INDEX IF NOT EXISTS idx_message_subscription_name ON message_subscription (name, correlation_key);
	`)
	return err
}

func (s *Storage) FindProcessDefinitionById(ctx context.Context, id string) (*flow.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition FROM process_definition WHERE id = ?`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return decodeDefinition(raw)
}

func (s *Storage) FindProcessDefinitions(ctx context.Context) ([]*flow.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM process_definition ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]*flow.Definition, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, rows.Err()
}

func (s *Storage) SaveProcessDefinition(ctx context.Context, definition *flow.Definition) error {
	raw, err := json.Marshal(definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_definition (id, definition) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`,
		definition.Id, raw)
	return err
}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance FROM process_instance WHERE key = ?`, key)
	var pi runtime.ProcessInstance
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pi, storage.ErrNotFound
		}
		return pi, err
	}
	err := json.Unmarshal(raw, &pi)
	return pi, err
}

func (s *Storage) FindProcessInstances(ctx context.Context) ([]runtime.ProcessInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance FROM process_instance ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.ProcessInstance, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var pi runtime.ProcessInstance
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, err
		}
		res = append(res, pi)
	}
	return res, rows.Err()
}

func (s *Storage) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	raw, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_instance (key, definition_id, state, instance) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			definition_id = excluded.definition_id,
			state = excluded.state,
			instance = excluded.instance`,
		instance.Key, instance.DefinitionId, string(instance.State), raw)
	return err
}

func (s *Storage) FindTaskById(ctx context.Context, id string) (runtime.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task FROM user_task WHERE id = ?`, id)
	var t runtime.Task
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, storage.ErrNotFound
		}
		return t, err
	}
	err := json.Unmarshal(raw, &t)
	return t, err
}

func (s *Storage) FindTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	return s.queryTasks(ctx,
		`SELECT task FROM user_task WHERE process_instance_key = ? ORDER BY created_at, id`,
		processInstanceKey)
}

func (s *Storage) FindOpenTasks(ctx context.Context) ([]runtime.Task, error) {
	return s.queryTasks(ctx,
		`SELECT task FROM user_task WHERE state IN (?, ?) ORDER BY created_at, id`,
		string(runtime.TaskStateAvailable), string(runtime.TaskStateClaimed))
}

func (s *Storage) queryTasks(ctx context.Context, query string, args ...any) ([]runtime.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.Task, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t runtime.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_task (id, process_instance_key, state, created_at, task) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			task = excluded.task`,
		task.Id, task.ProcessInstanceKey, string(task.State), task.CreatedAt.UnixMilli(), raw)
	return err
}

func (s *Storage) FindDueTimers(ctx context.Context, before time.Time) ([]runtime.Timer, error) {
	return s.queryTimers(ctx,
		`SELECT timer FROM timer_job WHERE due_at <= ? ORDER BY due_at`,
		before.UnixMilli())
}

func (s *Storage) FindTimersByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.Timer, error) {
	return s.queryTimers(ctx,
		`SELECT timer FROM timer_job WHERE process_instance_key = ?`,
		processInstanceKey)
}

func (s *Storage) queryTimers(ctx context.Context, query string, args ...any) ([]runtime.Timer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.Timer, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t runtime.Timer
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Storage) SaveTimer(ctx context.Context, timer runtime.Timer) error {
	raw, err := json.Marshal(timer)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timer_job (key, process_instance_key, due_at, timer) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			due_at = excluded.due_at,
			timer = excluded.timer`,
		timer.Key, timer.ProcessInstanceKey, timer.DueAt.UnixMilli(), raw)
	return err
}

func (s *Storage) DeleteTimer(ctx context.Context, key int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timer_job WHERE key = ?`, key)
	return err
}

func (s *Storage) FindExternalTaskById(ctx context.Context, id string) (runtime.ExternalTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task FROM external_task WHERE id = ?`, id)
	var et runtime.ExternalTask
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return et, storage.ErrNotFound
		}
		return et, err
	}
	err := json.Unmarshal(raw, &et)
	return et, err
}

func (s *Storage) FindLockableExternalTask(ctx context.Context, topic string, now time.Time) (runtime.ExternalTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task FROM external_task
		WHERE topic_name = ?
		  AND (state = ? OR (state = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?))
		ORDER BY created_at
		LIMIT 1`,
		topic, string(runtime.ExternalTaskStateOpen), string(runtime.ExternalTaskStateLocked), now.UnixMilli())
	var et runtime.ExternalTask
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return et, storage.ErrNotFound
		}
		return et, err
	}
	err := json.Unmarshal(raw, &et)
	return et, err
}

func (s *Storage) FindFailedExternalTasks(ctx context.Context) ([]runtime.ExternalTask, error) {
	return s.queryExternalTasks(ctx,
		`SELECT task FROM external_task WHERE state = ? ORDER BY created_at`,
		string(runtime.ExternalTaskStateFailed))
}

func (s *Storage) FindExternalTasksByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.ExternalTask, error) {
	return s.queryExternalTasks(ctx,
		`SELECT task FROM external_task WHERE process_instance_key = ?`,
		processInstanceKey)
}

func (s *Storage) queryExternalTasks(ctx context.Context, query string, args ...any) ([]runtime.ExternalTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.ExternalTask, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var et runtime.ExternalTask
		if err := json.Unmarshal(raw, &et); err != nil {
			return nil, err
		}
		res = append(res, et)
	}
	return res, rows.Err()
}

func (s *Storage) SaveExternalTask(ctx context.Context, task runtime.ExternalTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	var lockExpiresAt any
	if task.LockExpiresAt != nil {
		lockExpiresAt = task.LockExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_task (id, process_instance_key, topic_name, state, lock_expires_at, created_at, task)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			lock_expires_at = excluded.lock_expires_at,
			task = excluded.task`,
		task.Id, task.ProcessInstanceKey, task.TopicName, string(task.State),
		lockExpiresAt, task.CreatedAt.UnixMilli(), raw)
	return err
}

func (s *Storage) DeleteExternalTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM external_task WHERE id = ?`, id)
	return err
}

func (s *Storage) FindMessageSubscription(ctx context.Context, name string, correlationKey string) (runtime.MessageSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscription FROM message_subscription
		WHERE name = ? AND correlation_key = ?
		LIMIT 1`,
		name, correlationKey)
	var ms runtime.MessageSubscription
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ms, storage.ErrNotFound
		}
		return ms, err
	}
	err := json.Unmarshal(raw, &ms)
	return ms, err
}

func (s *Storage) FindMessageSubscriptionsByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.MessageSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription FROM message_subscription WHERE process_instance_key = ?`,
		processInstanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.MessageSubscription, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ms runtime.MessageSubscription
		if err := json.Unmarshal(raw, &ms); err != nil {
			return nil, err
		}
		res = append(res, ms)
	}
	return res, rows.Err()
}

func (s *Storage) SaveMessageSubscription(ctx context.Context, subscription runtime.MessageSubscription) error {
	raw, err := json.Marshal(subscription)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_subscription (key, name, correlation_key, process_instance_key, subscription)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET subscription = excluded.subscription`,
		subscription.Key, subscription.Name, subscription.CorrelationKey,
		subscription.ProcessInstanceKey, raw)
	return err
}

func (s *Storage) DeleteMessageSubscription(ctx context.Context, key int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_subscription WHERE key = ?`, key)
	return err
}

func (s *Storage) FindSignalSubscriptionsByName(ctx context.Context, name string) ([]runtime.SignalSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription FROM signal_subscription WHERE name = ? ORDER BY key`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.SignalSubscription, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ss runtime.SignalSubscription
		if err := json.Unmarshal(raw, &ss); err != nil {
			return nil, err
		}
		res = append(res, ss)
	}
	return res, rows.Err()
}

func (s *Storage) SaveSignalSubscription(ctx context.Context, subscription runtime.SignalSubscription) error {
	raw, err := json.Marshal(subscription)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signal_subscription (key, name, subscription) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET subscription = excluded.subscription`,
		subscription.Key, subscription.Name, raw)
	return err
}

func (s *Storage) DeleteSignalSubscription(ctx context.Context, key int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signal_subscription WHERE key = ?`, key)
	return err
}

func decodeDefinition(raw []byte) (*flow.Definition, error) {
	var def flow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	if err := def.Prepare(); err != nil {
		return nil, err
	}
	return &def, nil
}
