// Package metrics summarizes the delivery log.
package metrics

import (
	"context"
	"sort"
	"time"

	"campusnotify/internal/model"
)

const (
	DefaultWindow = 1000
	topRules      = 5
	recentCount   = 10
)

type TriggerStats struct {
	TriggerType model.TriggerType `json:"trigger_type"`
	Count       int               `json:"count"`
}

type RuleStats struct {
	RuleID        string     `json:"rule_id"`
	RuleName      string     `json:"rule_name"`
	Count         int        `json:"count"`
	Successful    int        `json:"successful"`
	SuccessRate   float64    `json:"success_rate"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

type Summary struct {
	Total       int     `json:"total"`
	Today       int     `json:"today"`
	ThisWeek    int     `json:"this_week"`
	ThisMonth   int     `json:"this_month"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`

	ByTrigger []TriggerStats         `json:"by_trigger"`
	TopRules  []RuleStats            `json:"top_rules"`
	Recent    []model.DeliveryRecord `json:"recent"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Compute reduces records into a Summary. Calendar buckets use now's
// location; the week is the ISO week containing now.
func Compute(records []model.DeliveryRecord, now time.Time) Summary {
	s := Summary{Total: len(records), GeneratedAt: now}

	loc := now.Location()
	nowY, nowM, nowD := now.Date()
	isoY, isoW := now.ISOWeek()

	byTrigger := map[model.TriggerType]int{}
	byRule := map[string]*RuleStats{}

	for _, r := range records {
		at := r.CreatedAt.In(loc)
		y, m, d := at.Date()
		if y == nowY && m == nowM {
			s.ThisMonth++
			if d == nowD {
				s.Today++
			}
		}
		if wy, ww := at.ISOWeek(); wy == isoY && ww == isoW {
			s.ThisWeek++
		}

		switch {
		case r.Status.Successful():
			s.Successful++
		case r.Status == model.StatusFailed:
			s.Failed++
		case r.Status == model.StatusPending:
			s.Pending++
		}

		byTrigger[r.TriggerType]++

		rs := byRule[r.RuleID]
		if rs == nil {
			rs = &RuleStats{RuleID: r.RuleID, RuleName: r.RuleName}
			byRule[r.RuleID] = rs
		}
		rs.Count++
		if r.Status.Successful() {
			rs.Successful++
		}
		if rs.LastTriggered == nil || r.TriggeredAt.After(*rs.LastTriggered) {
			t := r.TriggeredAt
			rs.LastTriggered = &t
		}
	}

	s.SuccessRate = rate(s.Successful, s.Total)

	s.ByTrigger = make([]TriggerStats, 0, len(byTrigger))
	for t, n := range byTrigger {
		s.ByTrigger = append(s.ByTrigger, TriggerStats{TriggerType: t, Count: n})
	}
	sort.Slice(s.ByTrigger, func(i, j int) bool {
		if s.ByTrigger[i].Count != s.ByTrigger[j].Count {
			return s.ByTrigger[i].Count > s.ByTrigger[j].Count
		}
		return s.ByTrigger[i].TriggerType < s.ByTrigger[j].TriggerType
	})

	s.TopRules = make([]RuleStats, 0, len(byRule))
	for _, rs := range byRule {
		rs.SuccessRate = rate(rs.Successful, rs.Count)
		s.TopRules = append(s.TopRules, *rs)
	}
	sort.Slice(s.TopRules, func(i, j int) bool {
		if s.TopRules[i].Count != s.TopRules[j].Count {
			return s.TopRules[i].Count > s.TopRules[j].Count
		}
		return s.TopRules[i].RuleID < s.TopRules[j].RuleID
	})
	if len(s.TopRules) > topRules {
		s.TopRules = s.TopRules[:topRules]
	}

	recent := append([]model.DeliveryRecord(nil), records...)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) > recentCount {
		recent = recent[:recentCount]
	}
	s.Recent = recent
	return s
}

// rate is a percentage; an empty set counts as fully successful.
func rate(ok, total int) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(ok) / float64(total) * 100
}

// Source is implemented by deliverylog.Log.
type Source interface {
	Recent(ctx context.Context, n int) ([]model.DeliveryRecord, error)
}

type Service struct {
	src    Source
	window int
	now    func() time.Time
}

func NewService(src Source, window int, now func() time.Time) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Service{src: src, window: window, now: now}
}

// GetMetrics summarizes the newest records of the delivery log.
func (s *Service) GetMetrics(ctx context.Context) (Summary, error) {
	recs, err := s.src.Recent(ctx, s.window)
	if err != nil {
		return Summary{}, err
	}
	return Compute(recs, s.now()), nil
}
