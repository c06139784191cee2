package domain

import "time"

type SeriesStatus string

const (
	SeriesStatusActive         SeriesStatus = "active"
	SeriesStatusPaused         SeriesStatus = "paused"
	SeriesStatusNeedsAttention SeriesStatus = "needs_attention"
	SeriesStatusEnded          SeriesStatus = "ended"
)

type ConflictPolicy string

const (
	// ConflictPolicySkip 表示物化时跳过有冲突的次并记录为 conflict_skipped
	ConflictPolicySkip ConflictPolicy = "skip"
	// ConflictPolicyAbort 表示只要有一次冲突，整批物化全部回滚
	ConflictPolicyAbort ConflictPolicy = "abort"
)

// Series 是一个版本化的周期规则定义。同一个 group 中任意时刻最多只有一个
// effective_until 为空的系列（即"当前版本"），各版本的生效区间互不重叠。
type Series struct {
	ID              int64          `json:"id"`
	GroupID         int64          `json:"groupID"`
	Version         int32          `json:"version"`
	EffectiveFrom   time.Time      `json:"effectiveFrom"`
	EffectiveUntil  *time.Time     `json:"effectiveUntil"` // 为空表示该版本仍在生效
	TargetTable     string         `json:"targetTable"`
	Template        map[string]any `json:"template"`
	Rule            string         `json:"rule"`
	Anchor          time.Time      `json:"anchor"` // UTC
	DurationSeconds int64          `json:"durationSeconds"`
	Timezone        string         `json:"timezone"`
	Status          SeriesStatus   `json:"status"`
	ConflictPolicy  ConflictPolicy `json:"conflictPolicy"`
	// MaterializedThrough 是该系列已经物化到的时间边界（不含）
	MaterializedThrough time.Time `json:"materializedThrough"`
	CreatedAt           time.Time `json:"createdAt"`
	RowVersion          int32     `json:"-"`
}

// Duration 返回每一次的持续时长
func (s *Series) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}
