// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

package structs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-multierror"
)

const (
	// maxSkipScan bounds the skip-past loop. When a schedule reference is
	// far behind (a host that was down for days running an every-second
	// rule), scanning every missed occurrence is pointless; past the bound
	// the evaluator recomputes directly from the reference instant.
	maxSkipScan = 10_000

	// maxDayScan and maxMonthScan bound the calendar search so that a rule
	// whose filters can never align (day interval of 7 restricted to a
	// weekday it never lands on) terminates with no next run instead of
	// spinning.
	maxDayScan   = 5000
	maxMonthScan = 480
)

// TimeOfDay is a wall-clock time used by the calendar interval filters. All
// fields are in UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 &&
		t.Minute >= 0 && t.Minute <= 59 &&
		t.Second >= 0 && t.Second <= 59
}

// String returns the time in HH:MM:SS form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// CronInterval schedules by cron expression: POSIX five fields, optionally
// extended with a leading seconds field. Day-of-week 0 is Sunday.
type CronInterval struct {
	Expression string
}

// SecondInterval fires every N seconds.
type SecondInterval struct {
	Every int
}

// MinuteInterval fires every N minutes, optionally pinned to a second within
// the minute.
type MinuteInterval struct {
	Every    int
	OnSecond int
}

// HourInterval fires every N hours, optionally pinned to a minute and second
// within the hour.
type HourInterval struct {
	Every    int
	OnMinute int
	OnSecond int
}

// DayInterval fires every N days at the given times of day. When OnDays is
// non-empty the day must also fall on one of the listed weekdays; both
// constraints must hold (conjunction, not union).
type DayInterval struct {
	Every   int
	OnTimes []TimeOfDay
	OnDays  []time.Weekday
}

// WeekInterval fires every N weeks on the given weekdays at the given times.
// Weeks start on Sunday.
type WeekInterval struct {
	Every   int
	OnDays  []time.Weekday
	OnTimes []TimeOfDay
}

// MonthInterval fires every N months. The day within the month is either a
// fixed day number (clamped to the last day of short months) or the first
// occurrence of a weekday. OnMonths, when non-empty, restricts the calendar
// months the rule may fire in.
type MonthInterval struct {
	Every    int
	OnDay    *int
	OnFirst  *time.Weekday
	OnTimes  []TimeOfDay
	OnMonths []time.Month
}

// RecurringRule is a declarative schedule: exactly one interval kind plus
// optional first-run modifiers and horizon limits. The zero rule is invalid.
// Rules round-trip through JSON for persistence.
type RecurringRule struct {
	Cron   *CronInterval   `json:",omitempty"`
	Second *SecondInterval `json:",omitempty"`
	Minute *MinuteInterval `json:",omitempty"`
	Hour   *HourInterval   `json:",omitempty"`
	Day    *DayInterval    `json:",omitempty"`
	Week   *WeekInterval   `json:",omitempty"`
	Month  *MonthInterval  `json:",omitempty"`

	// RunNow requests an immediate first run before the rule cadence
	// starts.
	RunNow bool `json:",omitempty"`

	// InitialDelay delays the first run by a fixed duration.
	InitialDelay *time.Duration `json:",omitempty"`

	// SpecificRunTime pins the first run to an absolute instant.
	SpecificRunTime *time.Time `json:",omitempty"`

	// MaxRuns caps the total number of occurrences.
	MaxRuns *int `json:",omitempty"`

	// RunUntil is the exclusive upper bound of the schedule horizon.
	RunUntil *time.Time `json:",omitempty"`
}

// Copy returns a deep copy of the rule.
func (r *RecurringRule) Copy() *RecurringRule {
	if r == nil {
		return nil
	}
	nr := *r
	if r.Cron != nil {
		c := *r.Cron
		nr.Cron = &c
	}
	if r.Second != nil {
		c := *r.Second
		nr.Second = &c
	}
	if r.Minute != nil {
		c := *r.Minute
		nr.Minute = &c
	}
	if r.Hour != nil {
		c := *r.Hour
		nr.Hour = &c
	}
	if r.Day != nil {
		c := *r.Day
		c.OnTimes = append([]TimeOfDay(nil), r.Day.OnTimes...)
		c.OnDays = append([]time.Weekday(nil), r.Day.OnDays...)
		nr.Day = &c
	}
	if r.Week != nil {
		c := *r.Week
		c.OnTimes = append([]TimeOfDay(nil), r.Week.OnTimes...)
		c.OnDays = append([]time.Weekday(nil), r.Week.OnDays...)
		nr.Week = &c
	}
	if r.Month != nil {
		c := *r.Month
		c.OnTimes = append([]TimeOfDay(nil), r.Month.OnTimes...)
		c.OnMonths = append([]time.Month(nil), r.Month.OnMonths...)
		if r.Month.OnDay != nil {
			d := *r.Month.OnDay
			c.OnDay = &d
		}
		if r.Month.OnFirst != nil {
			w := *r.Month.OnFirst
			c.OnFirst = &w
		}
		nr.Month = &c
	}
	nr.InitialDelay = copyDuration(r.InitialDelay)
	nr.SpecificRunTime = copyTime(r.SpecificRunTime)
	if r.MaxRuns != nil {
		m := *r.MaxRuns
		nr.MaxRuns = &m
	}
	nr.RunUntil = copyTime(r.RunUntil)
	return &nr
}

func copyDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	nd := *d
	return &nd
}

// Validate checks the rule is well formed: exactly one interval kind, sane
// field ranges, a parsable cron expression, and at most one first-run
// modifier.
func (r *RecurringRule) Validate() error {
	kinds := 0
	for _, set := range []bool{
		r.Cron != nil, r.Second != nil, r.Minute != nil,
		r.Hour != nil, r.Day != nil, r.Week != nil, r.Month != nil,
	} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return fmt.Errorf("rule must have exactly one interval kind, has %d", kinds)
	}

	var mErr multierror.Error
	switch {
	case r.Cron != nil:
		if _, err := parseCron(r.Cron.Expression); err != nil {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("invalid cron expression %q: %w", r.Cron.Expression, err))
		}
	case r.Second != nil:
		if r.Second.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("second interval must be >= 1, got %d", r.Second.Every))
		}
	case r.Minute != nil:
		if r.Minute.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("minute interval must be >= 1, got %d", r.Minute.Every))
		}
		if r.Minute.OnSecond < 0 || r.Minute.OnSecond > 59 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("on-second out of range: %d", r.Minute.OnSecond))
		}
	case r.Hour != nil:
		if r.Hour.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("hour interval must be >= 1, got %d", r.Hour.Every))
		}
		if r.Hour.OnMinute < 0 || r.Hour.OnMinute > 59 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("on-minute out of range: %d", r.Hour.OnMinute))
		}
		if r.Hour.OnSecond < 0 || r.Hour.OnSecond > 59 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("on-second out of range: %d", r.Hour.OnSecond))
		}
	case r.Day != nil:
		if r.Day.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("day interval must be >= 1, got %d", r.Day.Every))
		}
		if err := validTimes(r.Day.OnTimes); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	case r.Week != nil:
		if r.Week.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("week interval must be >= 1, got %d", r.Week.Every))
		}
		if err := validTimes(r.Week.OnTimes); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	case r.Month != nil:
		if r.Month.Every < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("month interval must be >= 1, got %d", r.Month.Every))
		}
		if r.Month.OnDay != nil && r.Month.OnFirst != nil {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("month interval cannot set both on-day and on-first-weekday"))
		}
		if r.Month.OnDay != nil && (*r.Month.OnDay < 1 || *r.Month.OnDay > 31) {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("on-day out of range: %d", *r.Month.OnDay))
		}
		if err := validTimes(r.Month.OnTimes); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		for _, m := range r.Month.OnMonths {
			if m < time.January || m > time.December {
				mErr.Errors = append(mErr.Errors,
					fmt.Errorf("on-month out of range: %d", m))
			}
		}
	}

	modifiers := 0
	if r.RunNow {
		modifiers++
	}
	if r.InitialDelay != nil {
		if *r.InitialDelay <= 0 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("initial delay must be positive, got %s", *r.InitialDelay))
		}
		modifiers++
	}
	if r.SpecificRunTime != nil {
		modifiers++
	}
	if modifiers > 1 {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("at most one of run-now, initial-delay and specific-run-time may be set"))
	}

	if r.MaxRuns != nil && *r.MaxRuns < 1 {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("max-runs must be >= 1, got %d", *r.MaxRuns))
	}
	return mErr.ErrorOrNil()
}

func validTimes(times []TimeOfDay) error {
	for _, t := range times {
		if !t.valid() {
			return fmt.Errorf("time of day out of range: %s", t)
		}
	}
	return nil
}

// CalculateNextValidRun returns the smallest instant strictly after the
// reference that satisfies the rule, together with the number of occurrences
// skipped between the previously scheduled instant and the reference. It
// returns nil when the schedule horizon is exhausted (MaxRuns reached,
// RunUntil passed, or the rule can never fire again).
//
// The evaluator is pure and safe to call concurrently; all arithmetic is in
// UTC. The single exception to strict monotonicity is the RunNow modifier on
// the first run, which returns the reference instant itself so the caller can
// execute immediately.
func (r *RecurringRule) CalculateNextValidRun(scheduled time.Time, runCount int, reference time.Time) (*time.Time, int) {
	reference = reference.UTC()
	if !scheduled.IsZero() {
		scheduled = scheduled.UTC()
	}

	if r.MaxRuns != nil && runCount >= *r.MaxRuns {
		return nil, 0
	}
	if r.RunUntil != nil && !reference.Before(r.RunUntil.UTC()) {
		return nil, 0
	}

	// First-run modifiers replace the rule-derived candidate.
	if runCount == 0 {
		switch {
		case r.SpecificRunTime != nil:
			at := r.SpecificRunTime.UTC()
			if at.After(reference) {
				return r.boundCheck(at)
			}
			// A specific run time already in the past is silently
			// advanced by the skip-past loop below, anchored on it.
			scheduled = at
		case r.RunNow:
			return r.boundCheck(reference)
		case r.InitialDelay != nil:
			return r.boundCheck(reference.Add(*r.InitialDelay))
		}
	}

	anchor := scheduled
	if anchor.IsZero() {
		anchor = reference
	}

	// Skip-past loop: walk occurrences forward from the anchor, counting
	// every occurrence at or before the reference as skipped, until the
	// first occurrence strictly after it.
	occ := r.nextFrom(anchor, anchor)
	skipped := 0
	for !occ.IsZero() && !occ.After(reference) {
		skipped++
		if skipped >= maxSkipScan {
			// Far behind; stop counting and recompute directly.
			occ = r.nextFrom(anchor, reference)
			break
		}
		occ = r.nextFrom(anchor, occ)
	}
	if occ.IsZero() {
		return nil, skipped
	}
	next, skippedAtBound := r.boundCheck(occ)
	return next, skipped + skippedAtBound
}

// boundCheck applies the RunUntil horizon to a chosen instant.
func (r *RecurringRule) boundCheck(at time.Time) (*time.Time, int) {
	if r.RunUntil != nil && at.After(r.RunUntil.UTC()) {
		return nil, 0
	}
	at = at.UTC()
	return &at, 0
}

// nextFrom computes the smallest rule occurrence strictly after the given
// instant. The anchor fixes the phase of the numeric intervals: occurrences
// land on anchor + k*interval. A zero return means the rule can never fire
// after the instant.
func (r *RecurringRule) nextFrom(anchor, after time.Time) time.Time {
	switch {
	case r.Cron != nil:
		expr, err := parseCron(r.Cron.Expression)
		if err != nil {
			return time.Time{}
		}
		return expr.Next(after).UTC()
	case r.Second != nil:
		return nextMultiple(anchor, after, time.Duration(r.Second.Every)*time.Second)
	case r.Minute != nil:
		return nextAligned(anchor, after,
			time.Duration(r.Minute.Every)*time.Minute, time.Minute,
			time.Duration(r.Minute.OnSecond)*time.Second)
	case r.Hour != nil:
		return nextAligned(anchor, after,
			time.Duration(r.Hour.Every)*time.Hour, time.Hour,
			time.Duration(r.Hour.OnMinute)*time.Minute+time.Duration(r.Hour.OnSecond)*time.Second)
	case r.Day != nil:
		return r.nextDay(anchor, after)
	case r.Week != nil:
		return r.nextWeek(anchor, after)
	case r.Month != nil:
		return r.nextMonth(anchor, after)
	default:
		return time.Time{}
	}
}

// nextMultiple returns the first instant anchor + k*interval strictly after
// the given instant.
func nextMultiple(anchor, after time.Time, interval time.Duration) time.Time {
	if !anchor.Before(after) {
		return anchor.Add(interval)
	}
	elapsed := after.Sub(anchor)
	k := elapsed / interval
	cand := anchor.Add((k + 1) * interval)
	if !cand.After(after) {
		cand = cand.Add(interval)
	}
	return cand
}

// nextAligned is nextMultiple over a truncated anchor with a fixed offset
// into the unit, e.g. every 15 minutes on second 30.
func nextAligned(anchor, after time.Time, interval, unit, offset time.Duration) time.Time {
	base := anchor.Truncate(unit)
	if cand := base.Add(offset); cand.After(after) {
		return cand
	}
	elapsed := after.Sub(base)
	k := elapsed / interval
	cand := base.Add(k*interval + offset)
	for !cand.After(after) {
		cand = cand.Add(interval)
	}
	return cand
}

// timesOrDefault returns the rule's time-of-day filter in ascending order,
// defaulting to the anchor's own time of day.
func timesOrDefault(times []TimeOfDay, anchor time.Time) []TimeOfDay {
	if len(times) == 0 {
		return []TimeOfDay{{
			Hour:   anchor.Hour(),
			Minute: anchor.Minute(),
			Second: anchor.Second(),
		}}
	}
	sorted := append([]TimeOfDay(nil), times...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].duration() < sorted[j].duration()
	})
	return sorted
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func weekdayIn(d time.Weekday, days []time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func (r *RecurringRule) nextDay(anchor, after time.Time) time.Time {
	iv := r.Day
	times := timesOrDefault(iv.OnTimes, anchor)
	anchorDay := midnight(anchor)

	day := midnight(after)
	for i := 0; i < maxDayScan; i++ {
		daysSince := int(day.Sub(anchorDay).Hours() / 24)
		if daysSince >= 0 && daysSince%iv.Every == 0 && weekdayIn(day.Weekday(), iv.OnDays) {
			for _, tod := range times {
				if cand := day.Add(tod.duration()); cand.After(after) {
					return cand
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

// weekStart returns the Sunday midnight at or before t.
func weekStart(t time.Time) time.Time {
	d := midnight(t)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func (r *RecurringRule) nextWeek(anchor, after time.Time) time.Time {
	iv := r.Week
	times := timesOrDefault(iv.OnTimes, anchor)
	days := iv.OnDays
	if len(days) == 0 {
		days = []time.Weekday{anchor.Weekday()}
	}
	anchorWeek := weekStart(anchor)

	day := midnight(after)
	for i := 0; i < maxDayScan; i++ {
		weeksSince := int(weekStart(day).Sub(anchorWeek).Hours() / (24 * 7))
		if weeksSince >= 0 && weeksSince%iv.Every == 0 && weekdayIn(day.Weekday(), days) {
			for _, tod := range times {
				if cand := day.Add(tod.duration()); cand.After(after) {
					return cand
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func monthIn(m time.Month, months []time.Month) bool {
	if len(months) == 0 {
		return true
	}
	for _, mm := range months {
		if mm == m {
			return true
		}
	}
	return false
}

func (r *RecurringRule) nextMonth(anchor, after time.Time) time.Time {
	iv := r.Month
	times := timesOrDefault(iv.OnTimes, anchor)
	anchorMonth := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, time.UTC)

	month := time.Date(after.UTC().Year(), after.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxMonthScan; i++ {
		since := monthsBetween(anchorMonth, month)
		if since >= 0 && since%iv.Every == 0 && monthIn(month.Month(), iv.OnMonths) {
			day := r.monthDay(month)
			if !day.IsZero() {
				for _, tod := range times {
					if cand := day.Add(tod.duration()); cand.After(after) {
						return cand
					}
				}
			}
		}
		month = month.AddDate(0, 1, 0)
	}
	return time.Time{}
}

// monthDay resolves the day-within-month constraint for the month starting at
// the given first-of-month instant. Day numbers past the end of a short month
// clamp to its last day.
func (r *RecurringRule) monthDay(firstOfMonth time.Time) time.Time {
	iv := r.Month
	last := daysInMonth(firstOfMonth.Year(), firstOfMonth.Month())
	switch {
	case iv.OnDay != nil:
		d := *iv.OnDay
		if d > last {
			d = last
		}
		return firstOfMonth.AddDate(0, 0, d-1)
	case iv.OnFirst != nil:
		offset := (int(*iv.OnFirst) - int(firstOfMonth.Weekday()) + 7) % 7
		return firstOfMonth.AddDate(0, 0, offset)
	default:
		return firstOfMonth
	}
}

// parseCron compiles a cron expression in the engine's wire format: five
// POSIX fields, or six fields where the leading field is seconds. cronexpr
// natively reads a six-field form as minute..year, so the seconds form is
// normalized to cronexpr's seven-field layout by appending a wildcard year.
func parseCron(expression string) (*cronexpr.Expression, error) {
	fields := strings.Fields(expression)
	if len(fields) == 6 {
		expression = expression + " *"
	}
	return cronexpr.Parse(expression)
}

// String renders a human description of the rule, persisted as the task's
// recurring info.
func (r *RecurringRule) String() string {
	var b strings.Builder
	switch {
	case r.Cron != nil:
		fmt.Fprintf(&b, "cron %q", r.Cron.Expression)
	case r.Second != nil:
		fmt.Fprintf(&b, "every %d second(s)", r.Second.Every)
	case r.Minute != nil:
		fmt.Fprintf(&b, "every %d minute(s) on second %d", r.Minute.Every, r.Minute.OnSecond)
	case r.Hour != nil:
		fmt.Fprintf(&b, "every %d hour(s) at %02d:%02d", r.Hour.Every, r.Hour.OnMinute, r.Hour.OnSecond)
	case r.Day != nil:
		fmt.Fprintf(&b, "every %d day(s)", r.Day.Every)
		if len(r.Day.OnDays) > 0 {
			fmt.Fprintf(&b, " on %v", r.Day.OnDays)
		}
		if len(r.Day.OnTimes) > 0 {
			fmt.Fprintf(&b, " at %v", r.Day.OnTimes)
		}
	case r.Week != nil:
		fmt.Fprintf(&b, "every %d week(s)", r.Week.Every)
		if len(r.Week.OnDays) > 0 {
			fmt.Fprintf(&b, " on %v", r.Week.OnDays)
		}
		if len(r.Week.OnTimes) > 0 {
			fmt.Fprintf(&b, " at %v", r.Week.OnTimes)
		}
	case r.Month != nil:
		fmt.Fprintf(&b, "every %d month(s)", r.Month.Every)
		if r.Month.OnDay != nil {
			fmt.Fprintf(&b, " on day %d", *r.Month.OnDay)
		}
		if r.Month.OnFirst != nil {
			fmt.Fprintf(&b, " on first %s", *r.Month.OnFirst)
		}
		if len(r.Month.OnTimes) > 0 {
			fmt.Fprintf(&b, " at %v", r.Month.OnTimes)
		}
		if len(r.Month.OnMonths) > 0 {
			fmt.Fprintf(&b, " in %v", r.Month.OnMonths)
		}
	default:
		return "invalid recurring rule"
	}
	if r.MaxRuns != nil {
		fmt.Fprintf(&b, ", max %d runs", *r.MaxRuns)
	}
	if r.RunUntil != nil {
		fmt.Fprintf(&b, ", until %s", r.RunUntil.UTC().Format(time.RFC3339))
	}
	return b.String()
}
