package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campusnotify/internal/model"
	logx "campusnotify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	st, err := newSQLiteStore(db, log)
	if err != nil {
		return nil, err
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) (*sqliteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- rules ----

const ruleCols = `id, name, trigger_type, message_template, title_template, priority, is_active, trigger_count, last_triggered, created_at, updated_at`

func scanRule(sc interface{ Scan(...any) error }) (model.AutomationRule, error) {
	var (
		r        model.AutomationRule
		tt       string
		last     sql.NullInt64
		cre, upd int64
	)
	err := sc.Scan(&r.ID, &r.Name, &tt, &r.MessageTemplate, &r.TitleTemplate, &r.Priority, &r.IsActive,
		&r.TriggerCount, &last, &cre, &upd)
	if err != nil {
		return model.AutomationRule{}, err
	}
	r.TriggerType = model.TriggerType(tt)
	r.LastTriggered = fromNanos(last)
	r.CreatedAt = time.Unix(0, cre)
	r.UpdatedAt = time.Unix(0, upd)
	return r, nil
}

func (s *sqliteStore) queryRules(ctx context.Context, q string, args ...any) ([]model.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var out []model.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleCols+` FROM automation_rules ORDER BY created_at ASC, id ASC`)
}

func (s *sqliteStore) GetRule(ctx context.Context, id string) (model.AutomationRule, bool, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM automation_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AutomationRule{}, false, nil
	}
	if err != nil {
		return model.AutomationRule{}, false, fmt.Errorf("get rule: %w", err)
	}
	return r, true, nil
}

func (s *sqliteStore) ActiveRulesFor(ctx context.Context, t model.TriggerType) ([]model.AutomationRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleCols+` FROM automation_rules WHERE trigger_type = ? AND is_active = 1
		 ORDER BY priority DESC, created_at ASC, id ASC`, string(t))
}

func (s *sqliteStore) CreateRule(ctx context.Context, r model.AutomationRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_rules(`+ruleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, string(r.TriggerType), r.MessageTemplate, r.TitleTemplate, r.Priority, r.IsActive,
		r.TriggerCount, toNanos(r.LastTriggered), r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateRule(ctx context.Context, r model.AutomationRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET name = ?, trigger_type = ?, message_template = ?, title_template = ?,
		 priority = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		r.Name, string(r.TriggerType), r.MessageTemplate, r.TitleTemplate, r.Priority, r.IsActive,
		r.UpdatedAt.UnixNano(), r.ID,
	)
	return affectedOne(res, err, "update rule")
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	return affectedOne(res, err, "delete rule")
}

func (s *sqliteStore) IncrementTriggerCount(ctx context.Context, id string, at time.Time) error {
	// Single statement: concurrent increments cannot lose updates.
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET trigger_count = trigger_count + 1, last_triggered = ? WHERE id = ?`,
		at.UnixNano(), id,
	)
	return affectedOne(res, err, "increment trigger count")
}

// ---- delivery log ----

const deliveryCols = `id, trigger_type, rule_id, rule_name, title, message, target_user_id, target_type,
	recipient_count, priority, course_id, course_name, status, trigger_reason, action_taken, is_successful,
	created_at, triggered_at, sent_at, delivered_at, error_message, retry_count, related_entity_id,
	related_entity_type, is_read, read_at`

func scanDelivery(sc interface{ Scan(...any) error }) (model.DeliveryRecord, error) {
	var (
		r                       model.DeliveryRecord
		tt, status              string
		created, triggered      int64
		sent, delivered, readAt sql.NullInt64
		errMsg                  sql.NullString
	)
	err := sc.Scan(&r.ID, &tt, &r.RuleID, &r.RuleName, &r.Title, &r.Message, &r.TargetUserID, &r.TargetType,
		&r.RecipientCount, &r.Priority, &r.CourseID, &r.CourseName, &status, &r.TriggerReason, &r.ActionTaken,
		&r.IsSuccessful, &created, &triggered, &sent, &delivered, &errMsg, &r.RetryCount, &r.RelatedEntityID,
		&r.RelatedEntityType, &r.IsRead, &readAt)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	r.TriggerType = model.TriggerType(tt)
	r.Status = model.Status(status)
	r.CreatedAt = time.Unix(0, created)
	r.TriggeredAt = time.Unix(0, triggered)
	r.SentAt = fromNanos(sent)
	r.DeliveredAt = fromNanos(delivered)
	r.ReadAt = fromNanos(readAt)
	if errMsg.Valid {
		v := errMsg.String
		r.ErrorMessage = &v
	}
	return r, nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r model.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(`+deliveryCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, string(r.TriggerType), r.RuleID, r.RuleName, r.Title, r.Message, r.TargetUserID, r.TargetType,
		r.RecipientCount, r.Priority, r.CourseID, r.CourseName, string(r.Status), r.TriggerReason, r.ActionTaken,
		r.IsSuccessful, r.CreatedAt.UnixNano(), r.TriggeredAt.UnixNano(), toNanos(r.SentAt), toNanos(r.DeliveredAt),
		nullStrPtr(r.ErrorMessage), r.RetryCount, r.RelatedEntityID, r.RelatedEntityType, r.IsRead, toNanos(r.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, bool, error) {
	r, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM delivery_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, false, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, fmt.Errorf("get delivery: %w", err)
	}
	return r, true, nil
}

func (s *sqliteStore) UpdateDeliveryStatus(ctx context.Context, r model.DeliveryRecord, from model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = ?, is_successful = ?, sent_at = ?, delivered_at = ?, error_message = ?,
		 retry_count = ? WHERE id = ? AND status = ?`,
		string(r.Status), r.IsSuccessful, toNanos(r.SentAt), toNanos(r.DeliveredAt), nullStrPtr(r.ErrorMessage),
		r.RetryCount, r.ID, string(from),
	)
	err = affectedOne(res, err, "update delivery status")
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	// Distinguish a missing row from a lost compare-and-set.
	if _, ok, gerr := s.GetDelivery(ctx, r.ID); gerr == nil && ok {
		return model.ErrInvalidTransition
	}
	return err
}

func (s *sqliteStore) QueryDeliveries(ctx context.Context, f model.DeliveryFilter) ([]model.DeliveryRecord, error) {
	where, args := deliveryWhere(f)
	q := `SELECT ` + deliveryCols + ` FROM delivery_log` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	var out []model.DeliveryRecord
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func deliveryWhere(f model.DeliveryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Recipient != "" {
		conds = append(conds, "target_user_id = ?")
		args = append(args, f.Recipient)
	}
	if f.TriggerType != "" {
		conds = append(conds, "trigger_type = ?")
		args = append(args, string(f.TriggerType))
	}
	if f.CourseID != "" {
		conds = append(conds, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.UnreadOnly {
		conds = append(conds, "is_read = 0")
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) HasDeliverySince(ctx context.Context, key model.DedupKey, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_log WHERE trigger_type = ? AND related_entity_id = ? AND target_user_id = ?
		 AND created_at >= ? LIMIT 1`,
		string(key.TriggerType), key.RelatedEntityID, key.Recipient, since.UnixNano(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_log WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ?`, at.UnixNano(), id)
	return affectedOne(res, err, "mark read")
}

func (s *sqliteStore) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET is_read = 1, read_at = ?
		 WHERE target_user_id = ? AND is_read = 0 AND status IN (?, ?)`,
		at.UnixNano(), userID, string(model.StatusSent), string(model.StatusDelivered))
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_log WHERE target_user_id = ? AND is_read = 0 AND status IN (?, ?)`,
		userID, string(model.StatusSent), string(model.StatusDelivered),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ---- scheduled notifications ----

func (s *sqliteStore) CreateScheduled(ctx context.Context, n model.ScheduledNotification) error {
	ids, err := json.Marshal(n.RecipientIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_notifications(id, title, message, recipient_ids, course_id, course_name, priority,
		 scheduled_for, is_sent, sent_at, created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Title, n.Message, string(ids), n.CourseID, n.CourseName, n.Priority,
		n.ScheduledFor.UnixNano(), n.IsSent, toNanos(n.SentAt), n.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create scheduled: %w", err)
	}
	return nil
}

func (s *sqliteStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]model.ScheduledNotification, error) {
	q := `SELECT id, title, message, recipient_ids, course_id, course_name, priority, scheduled_for, is_sent,
		sent_at, created_at FROM scheduled_notifications WHERE is_sent = 0 AND scheduled_for <= ?
		ORDER BY scheduled_for ASC`
	args := []any{now.UnixNano()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled: %w", err)
	}
	defer rows.Close()
	var out []model.ScheduledNotification
	for rows.Next() {
		var (
			n            model.ScheduledNotification
			ids          string
			due, created int64
			sent         sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &ids, &n.CourseID, &n.CourseName, &n.Priority,
			&due, &n.IsSent, &sent, &created); err != nil {
			return nil, fmt.Errorf("scan scheduled: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &n.RecipientIDs); err != nil {
			return nil, fmt.Errorf("decode recipients of %s: %w", n.ID, err)
		}
		n.ScheduledFor = time.Unix(0, due)
		n.SentAt = fromNanos(sent)
		n.CreatedAt = time.Unix(0, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkScheduledSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_notifications SET is_sent = 1, sent_at = ? WHERE id = ?`, at.UnixNano(), id)
	return affectedOne(res, err, "mark scheduled sent")
}

func (s *sqliteStore) DeleteSentScheduledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_notifications WHERE is_sent = 1 AND sent_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete scheduled: %w", err)
	}
	return res.RowsAffected()
}

// ---- course data ----

func (s *sqliteStore) AssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, course_name, title, due_date FROM assignments
		 WHERE due_date > ? AND due_date <= ? ORDER BY due_date ASC`,
		from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		var (
			a   model.Assignment
			due int64
		)
		if err := rows.Scan(&a.ID, &a.CourseID, &a.CourseName, &a.Title, &due); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.DueDate = time.Unix(0, due)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = ? ORDER BY student_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AttendanceUpdatedSince(ctx context.Context, since time.Time) ([]model.AttendanceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, course_id, course_name, percentage, updated_at FROM attendance
		 WHERE updated_at >= ? ORDER BY student_id, course_id`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()
	var out []model.AttendanceSnapshot
	for rows.Next() {
		var (
			a  model.AttendanceSnapshot
			up int64
		)
		if err := rows.Scan(&a.StudentID, &a.CourseID, &a.CourseName, &a.Percentage, &up); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		a.UpdatedAt = time.Unix(0, up)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAssignment(ctx context.Context, a model.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments(id, course_id, course_name, title, due_date) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET course_id = excluded.course_id, course_name = excluded.course_name,
		 title = excluded.title, due_date = excluded.due_date`,
		a.ID, a.CourseID, a.CourseName, a.Title, a.DueDate.UnixNano())
	return err
}

func (s *sqliteStore) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	for _, id := range studentIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO enrollments(course_id, student_id) VALUES(?,?) ON CONFLICT DO NOTHING`, courseID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) PutAttendance(ctx context.Context, a model.AttendanceSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance(student_id, course_id, course_name, percentage, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(student_id, course_id) DO UPDATE SET course_name = excluded.course_name,
		 percentage = excluded.percentage, updated_at = excluded.updated_at`,
		a.StudentID, a.CourseID, a.CourseName, a.Percentage, a.UpdatedAt.UnixNano())
	return err
}

// ---- helpers ----

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func toNanos(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
