package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field crontab expressions and descriptors
// (@hourly, @every 15m). Seconds are not supported.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// NormalizeSchedule turns a schedule string into a cron expression.
//
// Supported forms:
//   - 5-field cron: "*/15 * * * *", "0 * * * *", "@hourly"
//   - "cron:" prefix forcing cron parsing
//   - intervals: "15m", "every:2h30m", "00:45" (HH:MM) become "@every <d>"
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		s = strings.TrimSpace(s[len("cron:"):])
	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "interval:"):
		v := s[strings.IndexByte(s, ':')+1:]
		d, err := parseInterval(v)
		if err != nil {
			return "", err
		}
		s = "@every " + d.String()
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		// cron as-is
	default:
		d, err := parseInterval(s)
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q (use cron like '*/15 * * * *', HH:MM like '00:45', or duration like '15m')", raw)
		}
		s = "@every " + d.String()
	}

	if _, err := parser.Parse(s); err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	return s, nil
}

// ParseSchedule validates raw and returns its cron schedule.
func ParseSchedule(raw string) (cron.Schedule, error) {
	expr, err := NormalizeSchedule(raw)
	if err != nil {
		return nil, err
	}
	return parser.Parse(expr)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
