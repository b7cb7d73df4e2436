package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей, без секунд).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextDue вычисляет следующее время запуска после from.
// Cron-выражение вычисляется в часовом поясе расписания.
func NextDue(s Schedule, from time.Time) (time.Time, error) {
	if s.CronExpr != "" {
		loc := time.UTC
		if s.Timezone != "" {
			l, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
			loc = l
		}
		return calculateNextCron(s.CronExpr, from.In(loc))
	}

	if s.Interval > 0 {
		return from.Add(s.Interval).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("schedule %q has neither cron nor interval", s.Name)
}

// calculateNextCron вычисляет следующее время по cron-выражению.
func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	next := schedule.Next(from)
	return next.UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
