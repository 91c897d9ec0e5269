package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed schedule string.
type Schedule struct {
	Kind Kind
	// Cron holds the expression for KindCron.
	Cron string
	// Every holds the period for KindInterval.
	Every time.Duration
	Raw   string
}

// SecondOptional accepts both 5-field and 6-field specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule validates raw and classifies it.
//
// Accepted forms: cron ("*/5 * * * *", "@hourly"), "@every <duration>",
// Go durations ("55m") and HH:MM intervals ("02:30" = 2h30m). A "cron:" or
// "every:" prefix forces the interpretation.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(raw, s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return parseInterval(raw, s[len("@every"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(raw, s)
	default:
		return parseInterval(raw, s)
	}
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required in %q", raw)
	}
	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
	}
	return Schedule{Kind: KindCron, Cron: expr, Raw: raw}, nil
}

func parseInterval(raw, v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Schedule{}, fmt.Errorf(
				"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
		}
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0 in %q", raw)
	}
	return Schedule{Kind: KindInterval, Every: d, Raw: raw}, nil
}

// String renders s in a form cron understands.
func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}
