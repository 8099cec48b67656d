package storage

import (
	"context"
	"time"

	"github.com/arefin-labs/carebook/libs/db"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/availability"
	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// RuleRepository reads recurring availability rules. Rules are reference
// data; the booking path only ever reads them.
type RuleRepository struct {
	pool *db.Pool
}

func NewRuleRepository(pool *db.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

const ruleColumns = `
	id, clinician_id, centre_id, weekday, start_minute, end_minute,
	slot_minutes, mode, active`

// ListActive returns the active rules for a clinician at a centre on the
// given weekday (0 = Sunday, matching time.Weekday).
func (r *RuleRepository) ListActive(ctx context.Context, clinicianID, centreID int64, weekday time.Weekday) ([]availability.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE clinician_id = $1
			AND centre_id = $2
			AND weekday = $3
			AND active
		ORDER BY start_minute, mode
	`, clinicianID, centreID, int(weekday))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []availability.Rule
	for rows.Next() {
		var rule availability.Rule
		var weekdayInt int
		if err := rows.Scan(
			&rule.ID, &rule.ClinicianID, &rule.CentreID, &weekdayInt,
			&rule.StartMinute, &rule.EndMinute, &rule.SlotMinutes, &rule.Mode, &rule.Active,
		); err != nil {
			return nil, err
		}
		rule.Weekday = time.Weekday(weekdayInt)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListActiveForMode narrows ListActive to rules matching a booking mode.
func (r *RuleRepository) ListActiveForMode(ctx context.Context, clinicianID, centreID int64, weekday time.Weekday, mode model.Mode) ([]availability.Rule, error) {
	rules, err := r.ListActive(ctx, clinicianID, centreID, weekday)
	if err != nil {
		return nil, err
	}
	out := rules[:0]
	for _, rule := range rules {
		if rule.Mode == mode {
			out = append(out, rule)
		}
	}
	return out, nil
}
