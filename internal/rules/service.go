package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"campusnotify/internal/model"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

type Options struct {
	CacheTTL time.Duration
	Now      func() time.Time
	NewID    func() string
	Log      logx.Logger
}

// Service is the rule store: validated, authorized CRUD over the rule
// repository plus the cached active-rule lookup used by the dispatcher.
type Service struct {
	repo     storage.RuleRepository
	cache    *Cache
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
	log      logx.Logger
}

func New(repo storage.RuleRepository, opt Options) *Service {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	return &Service{
		repo:     repo,
		cache:    NewCache(opt.CacheTTL),
		validate: newValidator(),
		now:      opt.Now,
		newID:    opt.NewID,
		log:      opt.Log.With(logx.String("comp", "rules")),
	}
}

func (s *Service) Cache() *Cache { return s.cache }

func (s *Service) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	return s.repo.ListRules(ctx)
}

// GetRule reports absence with ok=false.
func (s *Service) GetRule(ctx context.Context, id string) (model.AutomationRule, bool, error) {
	return s.repo.GetRule(ctx, id)
}

// GetActiveRuleForTrigger selects the preferred active rule for t: highest
// priority, then oldest, then smallest id.
func (s *Service) GetActiveRuleForTrigger(ctx context.Context, t model.TriggerType) (model.AutomationRule, bool, error) {
	now := s.now()
	if r, ok, hit := s.cache.Get(t, now); hit {
		return r, ok, nil
	}
	active, err := s.repo.ActiveRulesFor(ctx, t)
	if err != nil {
		return model.AutomationRule{}, false, err
	}
	var (
		best  model.AutomationRule
		found bool
	)
	for _, r := range active {
		if !r.IsActive || r.TriggerType != t {
			continue
		}
		if !found || r.Preferred(best) {
			best, found = r, true
		}
	}
	s.cache.Put(t, best, found, now)
	return best, found, nil
}

// CreateRule validates r and stores it with a fresh id. TriggerCount and
// LastTriggered from the caller are ignored.
func (s *Service) CreateRule(ctx context.Context, actor model.Actor, r model.AutomationRule) (model.AutomationRule, error) {
	if !actor.IsAdmin() {
		return model.AutomationRule{}, model.ErrUnauthorized
	}
	r = normalize(r)
	if err := validateRule(s.validate, r); err != nil {
		return model.AutomationRule{}, err
	}
	now := s.now()
	r.ID = s.newID()
	r.TriggerCount = 0
	r.LastTriggered = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.CreateRule(ctx, r); err != nil {
		return model.AutomationRule{}, err
	}
	s.cache.Invalidate()
	s.log.Info("rule created",
		logx.String("rule_id", r.ID),
		logx.String("trigger", string(r.TriggerType)),
		logx.String("actor", actor.ID),
	)
	return r, nil
}

// UpdateRule replaces the editable fields of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, actor model.Actor, r model.AutomationRule) (model.AutomationRule, error) {
	if !actor.IsAdmin() {
		return model.AutomationRule{}, model.ErrUnauthorized
	}
	cur, ok, err := s.repo.GetRule(ctx, r.ID)
	if err != nil {
		return model.AutomationRule{}, err
	}
	if !ok {
		return model.AutomationRule{}, model.ErrNotFound
	}
	r = normalize(r)
	if err := validateRule(s.validate, r); err != nil {
		return model.AutomationRule{}, err
	}
	cur.Name = r.Name
	cur.TriggerType = r.TriggerType
	cur.MessageTemplate = r.MessageTemplate
	cur.TitleTemplate = r.TitleTemplate
	cur.Priority = r.Priority
	cur.IsActive = r.IsActive
	cur.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, cur); err != nil {
		return model.AutomationRule{}, err
	}
	s.cache.Invalidate()
	s.log.Info("rule updated", logx.String("rule_id", cur.ID), logx.String("actor", actor.ID))
	return cur, nil
}

func (s *Service) DeleteRule(ctx context.Context, actor model.Actor, id string) error {
	if !actor.IsAdmin() {
		return model.ErrUnauthorized
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate()
	s.log.Info("rule deleted", logx.String("rule_id", id), logx.String("actor", actor.ID))
	return nil
}

// ToggleActive flips IsActive and returns the updated rule.
func (s *Service) ToggleActive(ctx context.Context, actor model.Actor, id string) (model.AutomationRule, error) {
	if !actor.IsAdmin() {
		return model.AutomationRule{}, model.ErrUnauthorized
	}
	cur, ok, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return model.AutomationRule{}, err
	}
	if !ok {
		return model.AutomationRule{}, model.ErrNotFound
	}
	cur.IsActive = !cur.IsActive
	cur.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, cur); err != nil {
		return model.AutomationRule{}, err
	}
	s.cache.Invalidate()
	s.log.Info("rule toggled", logx.String("rule_id", id), logx.Bool("active", cur.IsActive))
	return cur, nil
}

// IncrementTriggerCount records one matched trigger invocation. It is the
// only path that changes TriggerCount. The cache is not invalidated: the
// dispatcher never reads counters from cached rules.
func (s *Service) IncrementTriggerCount(ctx context.Context, id string) error {
	if err := s.repo.IncrementTriggerCount(ctx, id, s.now()); err != nil {
		return fmt.Errorf("increment %s: %w", id, err)
	}
	return nil
}

func normalize(r model.AutomationRule) model.AutomationRule {
	r.Name = strings.TrimSpace(r.Name)
	if t, ok := model.ParseTriggerType(string(r.TriggerType)); ok {
		r.TriggerType = t
	}
	return r
}
