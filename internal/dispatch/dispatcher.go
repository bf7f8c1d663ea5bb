// Package dispatch turns trigger invocations into delivery records.
//
// Every rule-driven entry point follows the same steps: select the active
// rule, render its templates, append one record per recipient and count
// the invocation once on the rule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	"campusnotify/internal/observability/telemetry"
	"campusnotify/internal/render"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

// RuleSource is implemented by rules.Service.
type RuleSource interface {
	GetActiveRuleForTrigger(ctx context.Context, t model.TriggerType) (model.AutomationRule, bool, error)
	IncrementTriggerCount(ctx context.Context, id string) error
}

// Recorder is implemented by deliverylog.Log.
type Recorder interface {
	Append(ctx context.Context, rec model.DeliveryRecord) error
}

// DedupIndex answers "was this reminder already recorded?".
type DedupIndex interface {
	HasDeliverySince(ctx context.Context, key model.DedupKey, since time.Time) (bool, error)
}

type Options struct {
	// DedupWindow bounds how far back an equivalent record suppresses a new
	// one. Zero disables deduplication.
	DedupWindow        time.Duration
	StoreRetryAttempts uint
	StoreRetryDelay    time.Duration

	Now     func() time.Time
	NewID   func() string
	Bus     eventbus.Publisher
	Metrics *telemetry.Metrics
	Log     logx.Logger
}

type Dispatcher struct {
	rules   RuleSource
	records Recorder
	dedup   DedupIndex

	window   time.Duration
	attempts uint
	delay    time.Duration

	now     func() time.Time
	newID   func() string
	bus     eventbus.Publisher
	metrics *telemetry.Metrics
	log     logx.Logger
}

func New(rules RuleSource, records Recorder, dedup DedupIndex, opt Options) *Dispatcher {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	if opt.StoreRetryAttempts == 0 {
		opt.StoreRetryAttempts = 3
	}
	if opt.StoreRetryDelay <= 0 {
		opt.StoreRetryDelay = 50 * time.Millisecond
	}
	return &Dispatcher{
		rules:    rules,
		records:  records,
		dedup:    dedup,
		window:   opt.DedupWindow,
		attempts: opt.StoreRetryAttempts,
		delay:    opt.StoreRetryDelay,
		now:      opt.Now,
		newID:    opt.NewID,
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		log:      opt.Log.With(logx.String("comp", "dispatch")),
	}
}

// Request is one trigger invocation.
type Request struct {
	Trigger    model.TriggerType
	Recipients []string
	TargetType string
	Values     map[string]string

	CourseID   string
	CourseName string
	// Priority overrides the rule priority when set.
	Priority *int
	Reason   string

	RelatedEntityID   string
	RelatedEntityType string
	// Dedup suppresses recipients that already have a record for
	// (Trigger, RelatedEntityID, recipient) inside the dedup window.
	Dedup bool
}

// Outcome is the per-recipient result of a dispatch.
type Outcome struct {
	UserID       string
	RecordID     string
	Deduplicated bool
	Err          error
}

type Result struct {
	Trigger  model.TriggerType
	RuleID   string
	Matched  bool
	Outcomes []Outcome
}

// Created counts recipients that got a persisted record.
func (r Result) Created() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.RecordID != "" && o.Err == nil {
			n++
		}
	}
	return n
}

func (r Result) Deduplicated() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Deduplicated {
			n++
		}
	}
	return n
}

func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Dispatch runs a rule-driven trigger. It never returns an error: storage
// failures are logged and reported per recipient in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	res := Result{Trigger: req.Trigger}
	log := d.log.With(logx.String("trigger", string(req.Trigger)))

	rule, ok, err := d.rules.GetActiveRuleForTrigger(ctx, req.Trigger)
	if err != nil {
		log.Error("rule lookup failed", logx.Err(err))
		d.metrics.Trigger(string(req.Trigger), "error")
		return res
	}
	if !ok {
		log.Debug("no active rule")
		d.metrics.Trigger(string(req.Trigger), "no_rule")
		return res
	}
	res.Matched = true
	res.RuleID = rule.ID

	title := rule.TitleTemplate
	if title == "" {
		title = req.Trigger.DefaultTitle()
	}
	priority := rule.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	env := envelope{
		trigger:    req.Trigger,
		ruleID:     rule.ID,
		ruleName:   rule.Name,
		title:      render.Render(title, req.Values),
		message:    render.Render(rule.MessageTemplate, req.Values),
		targetType: req.TargetType,
		priority:   priority,
		courseID:   req.CourseID,
		courseName: req.CourseName,
		reason:     req.Reason,
		action:     "notification created from rule " + rule.Name,
		entityID:   req.RelatedEntityID,
		entityType: req.RelatedEntityType,
		dedup:      req.Dedup,
	}
	res.Outcomes = d.fanOut(ctx, env, req.Recipients)

	// A repeat of an already-recorded condition is not a new invocation.
	if len(res.Outcomes) > 0 && res.Deduplicated() == len(res.Outcomes) {
		d.metrics.Trigger(string(req.Trigger), "deduplicated")
		log.Debug("all recipients deduplicated", logx.String("rule_id", rule.ID))
		return res
	}

	if err := d.rules.IncrementTriggerCount(ctx, rule.ID); err != nil {
		log.Error("trigger count update failed", logx.String("rule_id", rule.ID), logx.Err(err))
	}
	d.metrics.Trigger(string(req.Trigger), "matched")
	log.Debug("trigger dispatched",
		logx.String("rule_id", rule.ID),
		logx.Int("recipients", len(res.Outcomes)),
		logx.Int("created", res.Created()),
	)
	return res
}

type envelope struct {
	trigger    model.TriggerType
	ruleID     string
	ruleName   string
	title      string
	message    string
	targetType string
	priority   int
	courseID   string
	courseName string
	reason     string
	action     string
	entityID   string
	entityType string
	dedup      bool
	// dedupAll checks the whole log instead of the dedup window.
	dedupAll bool
}

// fanOut appends one record per distinct recipient. Recipients keep their
// input order; duplicates and blanks are collapsed, but RecipientCount is
// the length of the list as given.
func (d *Dispatcher) fanOut(ctx context.Context, env envelope, recipients []string) []Outcome {
	count := len(recipients)
	recipients = uniq(recipients)
	out := make([]Outcome, 0, len(recipients))
	for _, uid := range recipients {
		o := Outcome{UserID: uid}
		if d.isDuplicate(ctx, env, uid) {
			o.Deduplicated = true
			d.metrics.Deduplicated(string(env.trigger))
			out = append(out, o)
			continue
		}
		rec := d.record(env, uid, count)
		if err := d.appendWithRetry(ctx, rec); err != nil {
			o.Err = err
			d.metrics.Delivery(string(env.trigger), "error")
			d.log.Error("delivery record not persisted",
				logx.String("trigger", string(env.trigger)),
				logx.String("rule_id", env.ruleID),
				logx.String("recipient", uid),
				logx.Err(err),
			)
		} else {
			o.RecordID = rec.ID
			d.metrics.Delivery(string(env.trigger), "created")
			d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryCreated, Time: rec.CreatedAt, Data: rec})
		}
		out = append(out, o)
	}
	return out
}

func (d *Dispatcher) isDuplicate(ctx context.Context, env envelope, uid string) bool {
	if !env.dedup || d.dedup == nil {
		return false
	}
	since := time.Unix(0, 0)
	if !env.dedupAll {
		if d.window <= 0 {
			return false
		}
		since = d.now().Add(-d.window)
	}
	key := model.DedupKey{TriggerType: env.trigger, RelatedEntityID: env.entityID, Recipient: uid}
	if key.Empty() {
		return false
	}
	dup, err := d.dedup.HasDeliverySince(ctx, key, since)
	if err != nil {
		// Prefer a possible duplicate over a missed reminder.
		d.log.Warn("dedup lookup failed", logx.String("recipient", uid), logx.Err(err))
		return false
	}
	return dup
}

func (d *Dispatcher) record(env envelope, uid string, count int) model.DeliveryRecord {
	now := d.now()
	sent := now
	return model.DeliveryRecord{
		ID:                d.newID(),
		TriggerType:       env.trigger,
		RuleID:            env.ruleID,
		RuleName:          env.ruleName,
		Title:             env.title,
		Message:           env.message,
		TargetUserID:      uid,
		TargetType:        env.targetType,
		RecipientCount:    count,
		Priority:          env.priority,
		CourseID:          env.courseID,
		CourseName:        env.courseName,
		Status:            model.StatusSent,
		TriggerReason:     env.reason,
		ActionTaken:       env.action,
		IsSuccessful:      true,
		CreatedAt:         now,
		TriggeredAt:       now,
		SentAt:            &sent,
		RelatedEntityID:   env.entityID,
		RelatedEntityType: env.entityType,
	}
}

func (d *Dispatcher) appendWithRetry(ctx context.Context, rec model.DeliveryRecord) error {
	err := retry.Do(
		func() error { return d.records.Append(ctx, rec) },
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.log.Warn("retrying delivery append", logx.String("record_id", rec.ID), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
		retry.RetryIf(transient),
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.ID, err)
	}
	return nil
}

// transient reports whether a storage error is worth another attempt.
func transient(err error) bool {
	switch {
	case errors.Is(err, storage.ErrClosed),
		errors.Is(err, model.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
