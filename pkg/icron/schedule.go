package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Next       time.Time
	Expression string

	TimeUntilNext time.Duration
}

// GetTriggerInfo parses a standard cron expression and reports when it next
// fires relative to refTime.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	nextTime := schedule.Next(refTime)

	return &TriggerInfo{
		Expression:    cronExpr,
		Next:          nextTime,
		TimeUntilNext: nextTime.Sub(refTime),
	}, nil
}
