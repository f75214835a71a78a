package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxCronSearchIterations = 5 * 366 * 24 * 60

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Task is one periodic entry. Schedule is "@every <duration>" or a 5-field
// cron expression evaluated in Timezone.
type Task struct {
	Name     string
	Schedule string
	Timezone string
	// Singleton runs take a distributed lock per run so that only one
	// instance executes a given fire time.
	Singleton bool
	LockTTL   time.Duration
	// Timeout bounds one run; zero uses the runtime default.
	Timeout time.Duration
	Run     TaskFunc
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.TrimSpace(t.Schedule) == "" {
		return schedulerError(ErrValidation, fmt.Sprintf("task %s: schedule is required", t.Name))
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, fmt.Sprintf("task %s: run function is required", t.Name))
	}
	if _, err := t.nextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

func (t *Task) location() (*time.Location, error) {
	if strings.TrimSpace(t.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(t.Timezone))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func (t *Task) nextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForSchedule(strings.TrimSpace(t.Schedule), now.In(loc), loc)
}

func nextRunForSchedule(schedule string, now time.Time, loc *time.Location) (time.Time, error) {
	if raw, ok := strings.CutPrefix(schedule, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return time.Time{}, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return time.Time{}, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return now.Add(interval).UTC(), nil
	}

	expr, err := parseCron(schedule)
	if err != nil {
		return time.Time{}, err
	}
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearchIterations; i++ {
		local := candidate.In(loc)
		if expr.matches(local) {
			return local.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("no run time found for schedule %q", schedule))
}

// cronSet is a bitset of the values a cron field accepts.
type cronSet struct {
	bits uint64
	star bool
}

func (s cronSet) has(v int) bool { return s.star || s.bits&(1<<uint(v)) != 0 }

type cronExpr struct {
	minute, hour, dom, month, dow cronSet
}

// matches applies the classic rule: when both day fields are restricted a
// day matching either one fires.
func (e cronExpr) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}
	domOK := e.dom.has(t.Day())
	dowOK := e.dow.has(int(t.Weekday()))
	switch {
	case e.dom.star && e.dow.star:
		return true
	case e.dom.star:
		return dowOK
	case e.dow.star:
		return domOK
	default:
		return domOK || dowOK
	}
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7},
}

func parseCron(schedule string) (cronExpr, error) {
	fields := strings.Fields(schedule)
	if len(fields) != 5 {
		return cronExpr{}, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", schedule))
	}
	var sets [5]cronSet
	for i, raw := range fields {
		set, err := parseCronSet(raw, cronFields[i])
		if err != nil {
			return cronExpr{}, errors.Join(
				schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", cronFields[i].name, raw)), err)
		}
		sets[i] = set
	}
	// Sunday is both 0 and 7.
	if sets[4].bits&(1<<7) != 0 {
		sets[4].bits = sets[4].bits&^(1<<7) | 1
	}
	return cronExpr{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

func parseCronSet(raw string, field cronField) (cronSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return cronSet{star: true}, nil
	}
	var set cronSet
	for _, part := range strings.Split(raw, ",") {
		lo, hi, step, err := parseCronRange(strings.TrimSpace(part), field)
		if err != nil {
			return cronSet{}, err
		}
		for v := lo; v <= hi; v += step {
			set.bits |= 1 << uint(v)
		}
	}
	if set.bits == 0 {
		return cronSet{}, schedulerError(ErrValidation, "no values parsed")
	}
	return set, nil
}

// parseCronRange reads "*", "n", "a-b" with an optional "/step". A bare
// value with a step runs to the end of the field range.
func parseCronRange(part string, field cronField) (lo, hi, step int, err error) {
	if part == "" {
		return 0, 0, 0, schedulerError(ErrValidation, "empty segment")
	}
	base, stepRaw, hasStep := strings.Cut(part, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || step <= 0 {
			return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("invalid step value %q", stepRaw))
		}
	}

	base = strings.TrimSpace(base)
	switch {
	case base == "" || base == "*":
		lo, hi = field.min, field.max
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		if lo, err = strconv.Atoi(strings.TrimSpace(a)); err != nil {
			return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range start %q", a))
		}
		if hi, err = strconv.Atoi(strings.TrimSpace(b)); err != nil {
			return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range end %q", b))
		}
	default:
		if lo, err = strconv.Atoi(base); err != nil {
			return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("invalid value %q", base))
		}
		hi = lo
		if hasStep {
			hi = field.max
		}
	}

	if lo < field.min || hi > field.max {
		return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("range %d-%d outside [%d,%d]", lo, hi, field.min, field.max))
	}
	if hi < lo {
		return 0, 0, 0, schedulerError(ErrValidation, fmt.Sprintf("invalid range %d-%d", lo, hi))
	}
	return lo, hi, step, nil
}
