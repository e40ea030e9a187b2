package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "solstice-agent/internal/errors"
)

// Schedule 计算下一次触发时间。
type Schedule interface {
	// Next 返回严格晚于 after 的下一次触发时间。
	Next(after time.Time) time.Time
	// OneShot 表示触发一次后即停用。
	OneShot() bool
}

var (
	intervalPattern = regexp.MustCompile(`^every\s+(\d+)\s*(m|mins?|minutes?|h|hrs?|hours?|d|days?)$`)
	dailyPattern    = regexp.MustCompile(`^every\s+day\s+at\s+(.+)$`)
	weeklyPattern   = regexp.MustCompile(`^every\s+([a-z]+?)(?:\s+at\s+(.+))?$`)
	atPattern       = regexp.MustCompile(`^at\s+(.+)$`)
	ampmPattern     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
	clockPattern    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseSchedule 解析调度表达式，墙钟时间按 loc 解释。支持：
//
//	every 30m / every 6h / every 2 days
//	every day at 9am
//	every monday [at 5pm]
//	at 15:00（一次性）
//	cron 0 */6 * * * 或直接给出 5 段表达式
func ParseSchedule(spec string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.Join(strings.Fields(strings.ToLower(spec)), " ")
	invalid := func(reason string) error {
		msg := fmt.Sprintf("could not parse schedule: '%s'", spec)
		if reason != "" {
			msg += " (" + reason + ")"
		}
		return xerrors.New(xerrors.CodeInvalidArgument, msg)
	}
	if s == "" {
		return nil, invalid("empty")
	}

	if m := intervalPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, invalid("interval must be positive")
		}
		unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour}[m[2][0]]
		return intervalSchedule{every: time.Duration(n) * unit}, nil
	}
	if m := dailyPattern.FindStringSubmatch(s); m != nil {
		h, mm, err := parseClock(m[1])
		if err != nil {
			return nil, invalid(err.Error())
		}
		return clockSchedule{hour: h, minute: mm, loc: loc}, nil
	}
	if m := weeklyPattern.FindStringSubmatch(s); m != nil {
		if day, ok := weekdays[m[1]]; ok {
			h, mm := 9, 0
			if m[2] != "" {
				var err error
				if h, mm, err = parseClock(m[2]); err != nil {
					return nil, invalid(err.Error())
				}
			}
			return weeklySchedule{day: day, hour: h, minute: mm, loc: loc}, nil
		}
	}
	if m := atPattern.FindStringSubmatch(s); m != nil {
		h, mm, err := parseClock(m[1])
		if err != nil {
			return nil, invalid(err.Error())
		}
		return clockSchedule{hour: h, minute: mm, loc: loc, once: true}, nil
	}

	expr := strings.TrimPrefix(s, "cron ")
	if expr != s || len(strings.Fields(expr)) == 5 || strings.HasPrefix(expr, "@") {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, invalid(err.Error())
		}
		return cronSchedule{sched: sched, loc: loc}, nil
	}
	return nil, invalid("")
}

// IsOneShot 判断表达式是否为一次性任务。
func IsOneShot(spec string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(spec)), "at ")
}

// parseClock 解析 9am、3:30pm、09:00、17:30 形式的时间。
func parseClock(text string) (int, int, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if m := ampmPattern.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm := 0
		if m[2] != "" {
			mm, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || mm > 59 {
			return 0, 0, fmt.Errorf("invalid time %q", text)
		}
		switch {
		case m[3] == "pm" && h != 12:
			h += 12
		case m[3] == "am" && h == 12:
			h = 0
		}
		return h, mm, nil
	}
	if m := clockPattern.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 23 || mm > 59 {
			return 0, 0, fmt.Errorf("invalid time %q", text)
		}
		return h, mm, nil
	}
	return 0, 0, fmt.Errorf("invalid time %q", text)
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(after time.Time) time.Time { return after.Add(s.every) }
func (s intervalSchedule) OneShot() bool                  { return false }

// clockSchedule 每天固定时间触发；once 为 true 时只触发一次。
type clockSchedule struct {
	hour, minute int
	loc          *time.Location
	once         bool
}

func (s clockSchedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	candidate := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !candidate.After(t) {
		candidate = time.Date(t.Year(), t.Month(), t.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return candidate
}

func (s clockSchedule) OneShot() bool { return s.once }

type weeklySchedule struct {
	day          time.Weekday
	hour, minute int
	loc          *time.Location
}

func (s weeklySchedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	days := (int(s.day) - int(t.Weekday()) + 7) % 7
	candidate := time.Date(t.Year(), t.Month(), t.Day()+days, s.hour, s.minute, 0, 0, s.loc)
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func (s weeklySchedule) OneShot() bool { return false }

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s cronSchedule) Next(after time.Time) time.Time { return s.sched.Next(after.In(s.loc)) }
func (s cronSchedule) OneShot() bool                  { return false }
