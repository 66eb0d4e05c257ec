// Package operator picks which operator a new consultation is routed to,
// and ranks by fair-load to pick among near-tied candidates.
package operator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conslink/consync/internal/model"
)

// SelectionOptions mirrors get_available_managers' parameters.
type SelectionOptions struct {
	CurrentTime          time.Time
	CategoryKey          uuid.NullUUID
	ConsultationType     model.ConsultationType
	Language             string // "ru" or "uz", case-insensitive
	FilterByWorkingHours bool
}

// Load is one operator's current queue state (get_manager_current_load).
type Load struct {
	QueueCount     int
	Limit          int
	LoadPercent    float64
	AvailableSlots int
}

// ManagerLoad is one row of AllManagersLoad's result.
type ManagerLoad struct {
	Manager model.User
	Load    Load
}

// WaitTime is calculate_wait_time's result.
type WaitTime struct {
	QueuePosition           int
	EstimatedWaitMinutesMin int
	EstimatedWaitMinutesMax int
	EstimatedWaitMinutes    int
	EstimatedWaitHours      int
	ShowRange               bool
}

const (
	defaultConsultationDurationMinutes = 15
	loadTieBreakEpsilon                = 0.1
	lowPriority                        = 999999
)

// Selector picks and ranks operators against the cons/sys schemas. Its
// unexported rand drives the fair-load tie-break; NewSelector seeds it from
// the clock.
type Selector struct {
	pool *pgxpool.Pool
	rand *rand.Rand
}

func NewSelector(pool *pgxpool.Pool) *Selector {
	return &Selector{pool: pool, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// AvailableManagers returns operators passing the limit/enablement/working-hours/
// queue-closure/skill+language filters, skilled candidates ordered before
// universal (no-skill-row) fallbacks -- get_available_managers.
func (s *Selector) AvailableManagers(ctx context.Context, opts SelectionOptions) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, ref_key, description, department, con_limit,
		       start_hour, end_hour, lang_ru, lang_uz, deletion_mark, invalid,
		       consultation_enabled, chatwoot_user_id
		FROM cons.users
		WHERE deletion_mark = false
		  AND invalid = false
		  AND consultation_enabled = true
		  AND con_limit IS NOT NULL
		  AND con_limit > 0
		  AND ($1::text IS DISTINCT FROM 'accounting' OR (
		       department = 'ИТС консультанты'
		       AND start_hour IS NOT NULL
		       AND end_hour IS NOT NULL
		  ))
	`, string(opts.ConsultationType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.AccountID, &u.RefKey, &u.Description, &u.Department, &u.ConLimit,
			&u.StartHour, &u.EndHour, &u.LangRU, &u.LangUZ, &u.DeletionMark, &u.Invalid,
			&u.ConsultationEnabled, &u.ChatwootUserID); err != nil {
			return nil, err
		}
		all = append(all, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.FilterByWorkingHours {
		currentFiltered := all[:0:0]
		currentHour := opts.CurrentTime.Hour()
		for _, u := range all {
			if withinWorkingHours(u, opts.ConsultationType, currentHour) {
				currentFiltered = append(currentFiltered, u)
			}
		}
		all = currentFiltered
	}
	if len(all) == 0 {
		return nil, nil
	}

	available, err := s.excludeClosedQueues(ctx, all, opts.CurrentTime)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, nil
	}

	if !opts.CategoryKey.Valid {
		return available, nil
	}
	return s.filterBySkill(ctx, available, opts)
}

// withinWorkingHours implements the wraparound-midnight comparison. For
// accounting consultations start_hour/end_hour are guaranteed non-nil by the
// SQL filter above; for everything else, an unset pair means "always on".
func withinWorkingHours(u model.User, consultationType model.ConsultationType, currentHour int) bool {
	if consultationType != model.ConsultationAccounting {
		if u.StartHour == nil || u.EndHour == nil {
			return true
		}
	}
	start, end := *u.StartHour, *u.EndHour
	if start <= end {
		return start <= currentHour && currentHour <= end
	}
	// working hours cross midnight
	return currentHour >= start || currentHour <= end
}

// excludeClosedQueues drops operators with a cons.queue_closing row dated
// today (period truncated to day; currentTime is truncated to its UTC day).
func (s *Selector) excludeClosedQueues(ctx context.Context, managers []model.User, currentTime time.Time) ([]model.User, error) {
	day := currentTime.Truncate(24 * time.Hour)
	var out []model.User
	for _, u := range managers {
		var closed bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM cons.queue_closing
				WHERE manager_key = $1 AND date_trunc('day', period) = date_trunc('day', $2::timestamptz)
			)
		`, u.RefKey, day).Scan(&closed)
		if err != nil {
			return nil, err
		}
		if !closed {
			out = append(out, u)
		}
	}
	return out, nil
}

// filterBySkill applies the skilled/universal split. Accounting consultations
// require an exact category_key match plus a language match (against both the
// consultation's own language and the question category's own language, when
// known); every other consultation type treats a no-skill-row operator as
// universal and keeps any operator whose skill set is non-empty.
func (s *Selector) filterBySkill(ctx context.Context, managers []model.User, opts SelectionOptions) ([]model.User, error) {
	var categoryLanguage string
	if opts.ConsultationType == model.ConsultationAccounting {
		_ = s.pool.QueryRow(ctx, `SELECT language FROM cons.online_question_cat WHERE ref_key = $1`, opts.CategoryKey.UUID).
			Scan(&categoryLanguage)
	}

	var skilled, universal []model.User
	for _, u := range managers {
		rows, err := s.pool.Query(ctx, `SELECT category_key FROM cons.users_skill WHERE user_key = $1`, u.RefKey)
		if err != nil {
			return nil, err
		}
		var categories []uuid.UUID
		for rows.Next() {
			var c uuid.UUID
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return nil, err
			}
			categories = append(categories, c)
		}
		rows.Close()

		if len(categories) == 0 {
			if opts.ConsultationType == model.ConsultationAccounting {
				continue
			}
			universal = append(universal, u)
			continue
		}

		if opts.ConsultationType == model.ConsultationAccounting {
			if !containsUUID(categories, opts.CategoryKey.UUID) {
				continue
			}
			if !knowsLanguage(u, opts.Language) || !knowsLanguage(u, categoryLanguage) {
				continue
			}
			skilled = append(skilled, u)
			continue
		}
		// Non-accounting: any skill row is treated as a match for the
		// requested category -- po_section_key has no direct category
		// mapping in this system yet.
		skilled = append(skilled, u)
	}
	return append(skilled, universal...), nil
}

// knowsLanguage returns true if lang is empty (no constraint) or the operator
// is flagged for that language.
func knowsLanguage(u model.User, lang string) bool {
	switch lowerASCII(lang) {
	case "":
		return true
	case "ru":
		return u.LangRU
	case "uz":
		return u.LangUZ
	default:
		return true
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func containsUUID(haystack []uuid.UUID, needle uuid.UUID) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// ManagerQueueCount counts all pending/open, non-denied consultations
// assigned to managerKey -- every source, not just ones this system created,
// since operators can also be assigned manually inside the ERP.
func (s *Selector) ManagerQueueCount(ctx context.Context, managerKey uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM cons.consultations
		WHERE manager = $1 AND status IN ('pending', 'open') AND denied = false
	`, managerKey).Scan(&count)
	return count, err
}

// ManagerCurrentLoad reports an operator's queue occupancy against its limit.
func (s *Selector) ManagerCurrentLoad(ctx context.Context, managerKey uuid.UUID) (Load, error) {
	var limit int
	err := s.pool.QueryRow(ctx, `SELECT con_limit FROM cons.users WHERE ref_key = $1`, managerKey).Scan(&limit)
	if err != nil {
		return Load{}, nil //nolint:nilerr // unknown manager -> zero load
	}
	queueCount, err := s.ManagerQueueCount(ctx, managerKey)
	if err != nil {
		return Load{}, err
	}
	if limit == 0 {
		return Load{QueueCount: queueCount}, nil
	}
	loadPercent := math.Min(100, float64(queueCount)/float64(limit)*100)
	availableSlots := limit - queueCount
	if availableSlots < 0 {
		availableSlots = 0
	}
	return Load{
		QueueCount:     queueCount,
		Limit:          limit,
		LoadPercent:    math.Round(loadPercent*100) / 100,
		AvailableSlots: availableSlots,
	}, nil
}

type candidate struct {
	manager    model.User
	queueCount int
	limit      int
	priority   float64
}

// SelectManager runs the full pipeline: filter to available operators, rank
// by queue/limit priority (lower is better), then break near-ties (priority
// within loadTieBreakEpsilon of the best) by uniform random choice so load
// spreads evenly instead of always picking the first-sorted operator.
func (s *Selector) SelectManager(ctx context.Context, opts SelectionOptions) (uuid.NullUUID, error) {
	available, err := s.AvailableManagers(ctx, opts)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	if len(available) == 0 {
		return uuid.NullUUID{}, nil
	}

	candidates := make([]candidate, 0, len(available))
	for _, u := range available {
		queueCount, err := s.ManagerQueueCount(ctx, u.RefKey)
		if err != nil {
			return uuid.NullUUID{}, err
		}
		p := float64(lowPriority)
		if u.ConLimit > 0 {
			p = float64(queueCount) / float64(u.ConLimit)
		}
		candidates = append(candidates, candidate{manager: u, queueCount: queueCount, limit: u.ConLimit, priority: p})
	}

	sortCandidatesByPriority(candidates)
	best := candidates[0].priority

	var tied []candidate
	for _, c := range candidates {
		if math.Abs(c.priority-best) < loadTieBreakEpsilon {
			tied = append(tied, c)
		}
	}

	chosen := tied[0]
	if len(tied) > 1 {
		chosen = tied[s.rand.Intn(len(tied))]
	}
	return uuid.NullUUID{UUID: chosen.manager.RefKey, Valid: true}, nil
}

func sortCandidatesByPriority(c []candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].priority < c[j-1].priority; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// AllManagersLoad reports every enabled operator's load, regardless of
// working hours, sorted by ascending load percent -- used by dashboards.
func (s *Selector) AllManagersLoad(ctx context.Context, currentTime time.Time) ([]ManagerLoad, error) {
	managers, err := s.AvailableManagers(ctx, SelectionOptions{CurrentTime: currentTime, FilterByWorkingHours: false})
	if err != nil {
		return nil, err
	}
	out := make([]ManagerLoad, 0, len(managers))
	for _, u := range managers {
		load, err := s.ManagerCurrentLoad(ctx, u.RefKey)
		if err != nil {
			return nil, err
		}
		out = append(out, ManagerLoad{Manager: u, Load: load})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Load.LoadPercent < out[j-1].Load.LoadPercent; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// AverageConsultationDurationMinutes is the trailing-30-day mean close time
// for managerKey's resolved/closed consultations, floored at
// defaultConsultationDurationMinutes.
func (s *Selector) AverageConsultationDurationMinutes(ctx context.Context, managerKey uuid.UUID) (int, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT avg(extract(epoch FROM end_date - start_date) / 60)
		FROM cons.consultations
		WHERE manager = $1
		  AND status IN ('resolved', 'closed')
		  AND start_date IS NOT NULL AND end_date IS NOT NULL
		  AND denied = false
		  AND end_date >= now() - interval '30 days'
	`, managerKey).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if avg == nil || *avg <= 0 {
		return defaultConsultationDurationMinutes, nil
	}
	minutes := int(math.Round(*avg))
	if minutes < defaultConsultationDurationMinutes {
		minutes = defaultConsultationDurationMinutes
	}
	return minutes, nil
}

// CalculateWaitTime estimates queue wait for a new consultation assigned to
// managerKey. overrideMinutes lets a caller substitute a known duration
// instead of recomputing the 30-day average (calculate_wait_time).
func (s *Selector) CalculateWaitTime(ctx context.Context, managerKey uuid.UUID, overrideMinutes *int) (WaitTime, error) {
	load, err := s.ManagerCurrentLoad(ctx, managerKey)
	if err != nil {
		return WaitTime{}, err
	}

	var statsMinutes int
	var showRange bool
	if overrideMinutes != nil {
		statsMinutes = *overrideMinutes
		showRange = statsMinutes < defaultConsultationDurationMinutes
	} else {
		var real *float64
		err := s.pool.QueryRow(ctx, `
			SELECT avg(extract(epoch FROM end_date - start_date) / 60)
			FROM cons.consultations
			WHERE manager = $1
			  AND status IN ('resolved', 'closed')
			  AND start_date IS NOT NULL AND end_date IS NOT NULL
			  AND denied = false
			  AND end_date >= now() - interval '30 days'
		`, managerKey).Scan(&real)
		if err != nil {
			return WaitTime{}, err
		}
		if real == nil || *real <= 0 {
			statsMinutes = defaultConsultationDurationMinutes
			showRange = false
		} else {
			statsMinutes = int(math.Round(*real))
			showRange = statsMinutes < defaultConsultationDurationMinutes
		}
	}

	waitMin := load.QueueCount * statsMinutes
	waitMax := load.QueueCount * defaultConsultationDurationMinutes
	estimated := waitMin
	if showRange {
		estimated = waitMax
	}
	hours := int(math.Round(float64(estimated) / 60))
	if hours == 0 && estimated > 0 {
		hours = 1
	}

	return WaitTime{
		QueuePosition:           load.QueueCount + 1,
		EstimatedWaitMinutesMin: waitMin,
		EstimatedWaitMinutesMax: waitMax,
		EstimatedWaitMinutes:    estimated,
		EstimatedWaitHours:      hours,
		ShowRange:               showRange,
	}, nil
}
