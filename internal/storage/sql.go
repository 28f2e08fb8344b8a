package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"stockpulse/internal/config"
	"stockpulse/internal/logger"
	"stockpulse/internal/models"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		tenant_id             TEXT    NOT NULL,
		id                    TEXT    NOT NULL,
		event_type            TEXT    NOT NULL,
		name                  TEXT    NOT NULL,
		description           TEXT    NOT NULL DEFAULT '',
		conditions            TEXT    NOT NULL,
		additional_conditions TEXT    NOT NULL,
		actions               TEXT    NOT NULL,
		enabled               BOOLEAN NOT NULL,
		alert_type            TEXT    NOT NULL DEFAULT '',
		alert_message         TEXT    NOT NULL DEFAULT '',
		version               INTEGER NOT NULL,
		created_at            BIGINT  NOT NULL,
		updated_at            BIGINT  NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_event_type ON rules (event_type)`,
	`CREATE TABLE IF NOT EXISTS thresholds (
		tenant_id                TEXT             NOT NULL,
		alert_type               TEXT             NOT NULL,
		value                    DOUBLE PRECISION NOT NULL,
		unit                     TEXT             NOT NULL DEFAULT '',
		priority                 TEXT             NOT NULL,
		auto_escalate            BOOLEAN          NOT NULL,
		escalation_delay_minutes INTEGER,
		channels                 TEXT             NOT NULL,
		description              TEXT             NOT NULL DEFAULT '',
		updated_at               BIGINT           NOT NULL,
		PRIMARY KEY (tenant_id, alert_type)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id                TEXT    PRIMARY KEY,
		tenant_id         TEXT    NOT NULL,
		alert_type        TEXT    NOT NULL,
		rule_id           TEXT    NOT NULL DEFAULT '',
		event_type        TEXT    NOT NULL DEFAULT '',
		severity          TEXT    NOT NULL,
		status            TEXT    NOT NULL,
		message           TEXT    NOT NULL DEFAULT '',
		reason            TEXT    NOT NULL DEFAULT '',
		escalation_count  INTEGER NOT NULL DEFAULT 0,
		metadata          TEXT    NOT NULL DEFAULT '',
		created_at        BIGINT  NOT NULL,
		updated_at        BIGINT  NOT NULL,
		acknowledged_at   BIGINT,
		resolved_at       BIGINT,
		archived_at       BIGINT,
		last_escalated_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_tenant_status ON alerts (tenant_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts (alert_type, status)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id          TEXT   PRIMARY KEY,
		tenant_id   TEXT   NOT NULL,
		kind        TEXT   NOT NULL,
		entity_id   TEXT   NOT NULL,
		change_type TEXT   NOT NULL,
		changed_by  TEXT   NOT NULL DEFAULT '',
		diff        TEXT   NOT NULL DEFAULT '',
		reason      TEXT   NOT NULL DEFAULT '',
		ts          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_records (tenant_id, kind, ts)`,
}

// SQLStore implements Store on SQLite (modernc) or Postgres (pgx).
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens the database and creates the schema if needed.
func NewSQLStore(ctx context.Context, cfg config.StorageConfig) (*SQLStore, error) {
	driver := "sqlite"
	if cfg.Driver == "postgres" {
		driver = "pgx"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log := logger.WithComponent("storage")
	log.Info().
		Str("driver", cfg.Driver).
		Msg("sql store ready")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

// Rules

type ruleRow struct {
	TenantID             string `db:"tenant_id"`
	ID                   string `db:"id"`
	EventType            string `db:"event_type"`
	Name                 string `db:"name"`
	Description          string `db:"description"`
	Conditions           string `db:"conditions"`
	AdditionalConditions string `db:"additional_conditions"`
	Actions              string `db:"actions"`
	Enabled              bool   `db:"enabled"`
	AlertType            string `db:"alert_type"`
	AlertMessage         string `db:"alert_message"`
	Version              int    `db:"version"`
	CreatedAt            int64  `db:"created_at"`
	UpdatedAt            int64  `db:"updated_at"`
}

const ruleColumns = `tenant_id, id, event_type, name, description, conditions,
	additional_conditions, actions, enabled, alert_type, alert_message, version,
	created_at, updated_at`

func (s *SQLStore) ListRules(ctx context.Context) ([]models.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+ruleColumns+` FROM rules ORDER BY tenant_id, id`); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	out := make([]models.Rule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLStore) SaveRule(ctx context.Context, rule models.Rule) error {
	row, err := ruleToRow(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.ID, err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (:tenant_id, :id, :event_type, :name, :description, :conditions,
			:additional_conditions, :actions, :enabled, :alert_type, :alert_message,
			:version, :created_at, :updated_at)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			event_type = excluded.event_type,
			name = excluded.name,
			description = excluded.description,
			conditions = excluded.conditions,
			additional_conditions = excluded.additional_conditions,
			actions = excluded.actions,
			enabled = excluded.enabled,
			alert_type = excluded.alert_type,
			alert_message = excluded.alert_message,
			version = excluded.version,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM rules WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func ruleToRow(r models.Rule) (ruleRow, error) {
	conds, err := json.Marshal(nonNil(r.Conditions))
	if err != nil {
		return ruleRow{}, err
	}
	groups, err := json.Marshal(nonNil(r.AdditionalConditions))
	if err != nil {
		return ruleRow{}, err
	}
	actions, err := json.Marshal(nonNil(r.Actions))
	if err != nil {
		return ruleRow{}, err
	}
	return ruleRow{
		TenantID:             r.TenantID,
		ID:                   r.ID,
		EventType:            r.EventType,
		Name:                 r.Name,
		Description:          r.Description,
		Conditions:           string(conds),
		AdditionalConditions: string(groups),
		Actions:              string(actions),
		Enabled:              r.Enabled,
		AlertType:            r.AlertType,
		AlertMessage:         r.AlertMessage,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt.UnixNano(),
		UpdatedAt:            r.UpdatedAt.UnixNano(),
	}, nil
}

func (row ruleRow) toModel() (models.Rule, error) {
	r := models.Rule{
		ID:           row.ID,
		TenantID:     row.TenantID,
		EventType:    row.EventType,
		Name:         row.Name,
		Description:  row.Description,
		Enabled:      row.Enabled,
		AlertType:    row.AlertType,
		AlertMessage: row.AlertMessage,
		Version:      row.Version,
		CreatedAt:    fromNanos(row.CreatedAt),
		UpdatedAt:    fromNanos(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.Conditions), &r.Conditions); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(row.AdditionalConditions), &r.AdditionalConditions); err != nil {
		return r, err
	}
	if len(r.AdditionalConditions) == 0 {
		r.AdditionalConditions = nil
	}
	if err := json.Unmarshal([]byte(row.Actions), &r.Actions); err != nil {
		return r, err
	}
	return r, nil
}

// Thresholds

type thresholdRow struct {
	TenantID               string  `db:"tenant_id"`
	AlertType              string  `db:"alert_type"`
	Value                  float64 `db:"value"`
	Unit                   string  `db:"unit"`
	Priority               string  `db:"priority"`
	AutoEscalate           bool    `db:"auto_escalate"`
	EscalationDelayMinutes *int    `db:"escalation_delay_minutes"`
	Channels               string  `db:"channels"`
	Description            string  `db:"description"`
	UpdatedAt              int64   `db:"updated_at"`
}

func (s *SQLStore) ListThresholds(ctx context.Context, tenantID string) ([]models.Threshold, error) {
	var rows []thresholdRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT tenant_id, alert_type, value, unit, priority, auto_escalate,
			escalation_delay_minutes, channels, description, updated_at
		FROM thresholds WHERE tenant_id = ? ORDER BY alert_type`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}

	out := make([]models.Threshold, 0, len(rows))
	for _, row := range rows {
		t := models.Threshold{
			AlertType:              row.AlertType,
			Value:                  row.Value,
			Unit:                   row.Unit,
			Priority:               models.Priority(row.Priority),
			AutoEscalate:           row.AutoEscalate,
			EscalationDelayMinutes: row.EscalationDelayMinutes,
			Description:            row.Description,
			Source:                 models.SourceCustom,
			UpdatedAt:              fromNanos(row.UpdatedAt),
		}
		if err := json.Unmarshal([]byte(row.Channels), &t.Channels); err != nil {
			return nil, fmt.Errorf("decode threshold %s: %w", row.AlertType, err)
		}
		if len(t.Channels) == 0 {
			t.Channels = nil
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) SaveThreshold(ctx context.Context, tenantID string, t models.Threshold) error {
	channels, err := json.Marshal(nonNil(t.Channels))
	if err != nil {
		return fmt.Errorf("encode threshold %s: %w", t.AlertType, err)
	}

	row := thresholdRow{
		TenantID:               tenantID,
		AlertType:              t.AlertType,
		Value:                  t.Value,
		Unit:                   t.Unit,
		Priority:               string(t.Priority),
		AutoEscalate:           t.AutoEscalate,
		EscalationDelayMinutes: t.EscalationDelayMinutes,
		Channels:               string(channels),
		Description:            t.Description,
		UpdatedAt:              t.UpdatedAt.UnixNano(),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO thresholds (tenant_id, alert_type, value, unit, priority, auto_escalate,
			escalation_delay_minutes, channels, description, updated_at)
		VALUES (:tenant_id, :alert_type, :value, :unit, :priority, :auto_escalate,
			:escalation_delay_minutes, :channels, :description, :updated_at)
		ON CONFLICT (tenant_id, alert_type) DO UPDATE SET
			value = excluded.value,
			unit = excluded.unit,
			priority = excluded.priority,
			auto_escalate = excluded.auto_escalate,
			escalation_delay_minutes = excluded.escalation_delay_minutes,
			channels = excluded.channels,
			description = excluded.description,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save threshold %s: %w", t.AlertType, err)
	}
	return nil
}

// Alerts

type alertRow struct {
	ID              string        `db:"id"`
	TenantID        string        `db:"tenant_id"`
	AlertType       string        `db:"alert_type"`
	RuleID          string        `db:"rule_id"`
	EventType       string        `db:"event_type"`
	Severity        string        `db:"severity"`
	Status          string        `db:"status"`
	Message         string        `db:"message"`
	Reason          string        `db:"reason"`
	EscalationCount int           `db:"escalation_count"`
	Metadata        string        `db:"metadata"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
	AcknowledgedAt  sql.NullInt64 `db:"acknowledged_at"`
	ResolvedAt      sql.NullInt64 `db:"resolved_at"`
	ArchivedAt      sql.NullInt64 `db:"archived_at"`
	LastEscalatedAt sql.NullInt64 `db:"last_escalated_at"`
}

const alertColumns = `id, tenant_id, alert_type, rule_id, event_type, severity, status,
	message, reason, escalation_count, metadata, created_at, updated_at,
	acknowledged_at, resolved_at, archived_at, last_escalated_at`

func (s *SQLStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	row, err := alertToRow(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (:id, :tenant_id, :alert_type, :rule_id, :event_type, :severity, :status,
			:message, :reason, :escalation_count, :metadata, :created_at, :updated_at,
			:acknowledged_at, :resolved_at, :archived_at, :last_escalated_at)`, row)
	if err != nil {
		return fmt.Errorf("create alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	return getAlert(ctx, s.db, tenantID, id)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func getAlert(ctx context.Context, q queryer, tenantID, id string) (*models.Alert, error) {
	var row alertRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return row.toModel()
}

func (s *SQLStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, statusStrings(filter.Statuses))
	}
	if filter.AlertType != "" {
		where = append(where, "alert_type = ?")
		args = append(args, filter.AlertType)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UnixNano())
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build alert query: %w", err)
	}

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	out := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *SQLStore) CountOpenAlerts(ctx context.Context, tenantID, alertType string) (int, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE alert_type = ? AND status IN (?)`
	args := []any{alertType, statusStrings(models.OpenStatuses)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return n, nil
}

func (s *SQLStore) TransitionAlert(ctx context.Context, tenantID, id string, from []models.AlertStatus, to models.AlertStatus, reason string, at time.Time) (*models.Alert, error) {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), at.UnixNano()}
	if col := timestampColumn(to); col != "" {
		set = append(set, col+" = ?")
		args = append(args, at.UnixNano())
	}
	if reason != "" {
		set = append(set, "reason = ?")
		args = append(args, reason)
	}
	args = append(args, tenantID, id, statusStrings(from))

	query, args, err := sqlx.In(`UPDATE alerts SET `+strings.Join(set, ", ")+` WHERE tenant_id = ? AND id = ? AND status IN (?)`, args...)
	if err != nil {
		return nil, fmt.Errorf("build transition: %w", err)
	}

	return s.conditionalUpdate(ctx, tenantID, id, query, args)
}

func (s *SQLStore) EscalateAlert(ctx context.Context, tenantID, id string, severity models.Priority, at time.Time) (*models.Alert, error) {
	query := `UPDATE alerts
		SET severity = ?, escalation_count = escalation_count + 1, last_escalated_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ? AND last_escalated_at IS NULL`
	args := []any{string(severity), at.UnixNano(), at.UnixNano(), tenantID, id, string(models.StatusActive)}

	return s.conditionalUpdate(ctx, tenantID, id, query, args)
}

// conditionalUpdate runs an UPDATE guarded by its WHERE clause and returns
// the row as written, all inside one transaction.
func (s *SQLStore) conditionalUpdate(ctx context.Context, tenantID, id, query string, args []any) (*models.Alert, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}

	current, err := getAlert(ctx, tx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("alert %s is %s: %w", id, current.Status, models.ErrStaleState)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return current, nil
}

func alertToRow(a *models.Alert) (alertRow, error) {
	meta := ""
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return alertRow{}, err
		}
		meta = string(b)
	}
	return alertRow{
		ID:              a.ID,
		TenantID:        a.TenantID,
		AlertType:       a.AlertType,
		RuleID:          a.RuleID,
		EventType:       a.EventType,
		Severity:        string(a.Severity),
		Status:          string(a.Status),
		Message:         a.Message,
		Reason:          a.Reason,
		EscalationCount: a.EscalationCount,
		Metadata:        meta,
		CreatedAt:       a.CreatedAt.UnixNano(),
		UpdatedAt:       a.UpdatedAt.UnixNano(),
		AcknowledgedAt:  toNullNanos(a.AcknowledgedAt),
		ResolvedAt:      toNullNanos(a.ResolvedAt),
		ArchivedAt:      toNullNanos(a.ArchivedAt),
		LastEscalatedAt: toNullNanos(a.LastEscalatedAt),
	}, nil
}

func (row alertRow) toModel() (*models.Alert, error) {
	a := &models.Alert{
		ID:              row.ID,
		TenantID:        row.TenantID,
		AlertType:       row.AlertType,
		RuleID:          row.RuleID,
		EventType:       row.EventType,
		Severity:        models.Priority(row.Severity),
		Status:          models.AlertStatus(row.Status),
		Message:         row.Message,
		Reason:          row.Reason,
		EscalationCount: row.EscalationCount,
		CreatedAt:       fromNanos(row.CreatedAt),
		UpdatedAt:       fromNanos(row.UpdatedAt),
		AcknowledgedAt:  fromNullNanos(row.AcknowledgedAt),
		ResolvedAt:      fromNullNanos(row.ResolvedAt),
		ArchivedAt:      fromNullNanos(row.ArchivedAt),
		LastEscalatedAt: fromNullNanos(row.LastEscalatedAt),
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert %s metadata: %w", row.ID, err)
		}
	}
	return a, nil
}

// Audit

type auditRow struct {
	ID         string `db:"id"`
	TenantID   string `db:"tenant_id"`
	Kind       string `db:"kind"`
	EntityID   string `db:"entity_id"`
	ChangeType string `db:"change_type"`
	ChangedBy  string `db:"changed_by"`
	Diff       string `db:"diff"`
	Reason     string `db:"reason"`
	Timestamp  int64  `db:"ts"`
}

func (s *SQLStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	diff := ""
	if len(rec.Diff) > 0 {
		b, err := json.Marshal(rec.Diff)
		if err != nil {
			return fmt.Errorf("encode audit diff: %w", err)
		}
		diff = string(b)
	}

	row := auditRow{
		ID:         rec.ID,
		TenantID:   rec.TenantID,
		Kind:       string(rec.Kind),
		EntityID:   rec.EntityID,
		ChangeType: rec.ChangeType,
		ChangedBy:  rec.ChangedBy,
		Diff:       diff,
		Reason:     rec.Reason,
		Timestamp:  rec.Timestamp.UnixNano(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_records (id, tenant_id, kind, entity_id, change_type, changed_by, diff, reason, ts)
		VALUES (:id, :tenant_id, :kind, :entity_id, :change_type, :changed_by, :diff, :reason, :ts)`, row)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, filter.To.UnixNano())
	}

	query := `SELECT id, tenant_id, kind, entity_id, change_type, changed_by, diff, reason, ts FROM audit_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}

	out := make([]models.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.AuditRecord{
			ID:         row.ID,
			TenantID:   row.TenantID,
			Kind:       models.AuditKind(row.Kind),
			EntityID:   row.EntityID,
			ChangeType: row.ChangeType,
			ChangedBy:  row.ChangedBy,
			Reason:     row.Reason,
			Timestamp:  fromNanos(row.Timestamp),
		}
		if row.Diff != "" {
			if err := json.Unmarshal([]byte(row.Diff), &rec.Diff); err != nil {
				return nil, fmt.Errorf("decode audit %s: %w", row.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func statusStrings(in []models.AlertStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
