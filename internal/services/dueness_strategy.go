package services

// Dueness strategies decide, per contribution frequency, when a member who
// has not contributed should be reminded and where the current contribution
// period starts.

import (
	"fmt"
	"sync"
	"time"

	"groupsave/internal/core"
)

// DuenessChecker is the strategy for one contribution frequency.
type DuenessChecker interface {
	// IsDue reports whether a reminder should be sent at now, given the time
	// of the previous reminder (zero if none was ever sent).
	IsDue(lastReminder, now time.Time, rules core.ContributionRules) bool
	// PeriodStart is the start of the contribution period containing now.
	PeriodStart(now time.Time, rules core.ContributionRules) time.Time
}

// IntervalChecker covers fixed-length periods such as weekly and biweekly.
type IntervalChecker struct {
	Every time.Duration
}

func (c IntervalChecker) IsDue(lastReminder, now time.Time, _ core.ContributionRules) bool {
	if lastReminder.IsZero() {
		return true
	}
	return now.Sub(lastReminder) >= c.Every
}

func (c IntervalChecker) PeriodStart(now time.Time, _ core.ContributionRules) time.Time {
	return now.Add(-c.Every)
}

// MonthlyChecker reminds once per calendar month, on or after the due day.
// A due day past the end of a short month falls on its last day.
type MonthlyChecker struct{}

func (MonthlyChecker) IsDue(lastReminder, now time.Time, rules core.ContributionRules) bool {
	if !lastReminder.IsZero() && lastReminder.Year() == now.Year() && lastReminder.Month() == now.Month() {
		return false
	}
	return now.Day() >= dueDayIn(now.Year(), now.Month(), rules.DueDay)
}

func (MonthlyChecker) PeriodStart(now time.Time, rules core.ContributionRules) time.Time {
	year, month := now.Year(), now.Month()
	if now.Day() < dueDayIn(year, month, rules.DueDay) {
		month--
		if month < time.January {
			month = time.December
			year--
		}
	}
	return time.Date(year, month, dueDayIn(year, month, rules.DueDay), 0, 0, 0, 0, now.Location())
}

func dueDayIn(year int, month time.Month, dueDay int) int {
	if dueDay < 1 {
		dueDay = 1
	}
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return min(dueDay, last)
}

var (
	strategiesMu      sync.RWMutex
	duenessStrategies = map[core.Frequency]DuenessChecker{
		core.Weekly:   IntervalChecker{Every: 7 * 24 * time.Hour},
		core.Biweekly: IntervalChecker{Every: 14 * 24 * time.Hour},
		core.Monthly:  MonthlyChecker{},
	}
)

// GetDuenessChecker returns the checker for a frequency. Flexible groups
// have no schedule and therefore no checker.
func GetDuenessChecker(frequency core.Frequency) (DuenessChecker, error) {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	checker, ok := duenessStrategies[frequency]
	if !ok {
		return nil, fmt.Errorf("no reminder schedule for frequency %q", frequency)
	}
	return checker, nil
}

// RegisterDuenessChecker installs or replaces the checker for a frequency.
func RegisterDuenessChecker(frequency core.Frequency, checker DuenessChecker) {
	strategiesMu.Lock()
	duenessStrategies[frequency] = checker
	strategiesMu.Unlock()
}
