package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultMaxOccurrences 是单次展开的硬性次数上限，防止无限生成
const DefaultMaxOccurrences = 1000

// Occurrence 是展开得到的一次具体时间段，Start 和 End 均为 UTC
type Occurrence struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ValidateRule 在展开之前同步校验规则：
// 拒绝分钟级和秒级的频率（防止无限生成），
// 在部署不允许无结束条件的规则时要求 COUNT 或 UNTIL
func ValidateRule(rule string, allowUnterminated bool) error {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return fmt.Errorf("无法解析周期规则: %w", err)
	}

	if opt.Freq == rrule.MINUTELY || opt.Freq == rrule.SECONDLY {
		return errors.New("不支持分钟级或秒级的周期频率")
	}

	if !allowUnterminated && opt.Count == 0 && opt.Until.IsZero() {
		return errors.New("周期规则必须包含 COUNT 或 UNTIL 结束条件")
	}

	return nil
}

// TruncateRule 给规则加上 UNTIL 结束条件，使其不再生成 until 之后的日期。
// 拆分系列时用来截断旧版本的规则
func TruncateRule(rule string, until time.Time) (string, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return "", fmt.Errorf("无法解析周期规则: %w", err)
	}

	opt.Count = 0
	opt.Until = time.Date(until.Year(), until.Month(), until.Day(), 23, 59, 59, 0, time.UTC)

	return opt.String(), nil
}

// Expand 把规则展开为 [from, until] 内的具体时间段序列。
//
// 规则在锚点所在时区的挂钟时间上求值，保证"每周一下午两点"跨 DST 之后
// 仍然是本地两点；每个挂钟时间再通过 ResolveLocal 应用确定性的 DST 策略
// 并转换回 UTC。相同的输入永远得到相同的结果，这是幂等重展开的前提。
func Expand(rule string, anchorUTC time.Time, duration time.Duration, timezone string, from, until time.Time, maxCount int) ([]Occurrence, error) {
	if maxCount <= 0 || maxCount > DefaultMaxOccurrences {
		maxCount = DefaultMaxOccurrences
	}
	if until.Before(from) {
		return nil, errors.New("展开窗口的结束时间早于开始时间")
	}
	if duration <= 0 {
		return nil, errors.New("持续时长必须为正")
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("无法加载时区 %s: %w", timezone, err)
	}

	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("无法解析周期规则: %w", err)
	}
	opt.Dtstart = toFloating(anchorUTC.In(loc))

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("无法构建周期规则: %w", err)
	}

	wallTimes := r.Between(toFloating(from.In(loc)), toFloating(until.In(loc)), true)
	if len(wallTimes) > maxCount {
		wallTimes = wallTimes[:maxCount]
	}

	occurrences := make([]Occurrence, 0, len(wallTimes))
	for _, wt := range wallTimes {
		start := ResolveLocal(loc, wt.Year(), wt.Month(), wt.Day(), wt.Hour(), wt.Minute(), wt.Second()).UTC()
		occurrences = append(occurrences, Occurrence{
			Start: start,
			End:   start.Add(duration),
		})
	}

	return occurrences, nil
}

// toFloating 把本地时间的挂钟成分搬到 UTC 坐标系中，
// 使 rrule 的迭代完全在挂钟时间上进行，不受时区偏移变化影响
func toFloating(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
