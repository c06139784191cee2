package domain

import "time"

// ExceptionKind 表示一个 instance 偏离系列模板的方式。
// 空字符串表示 Active（没有偏离）。
type ExceptionKind string

const (
	ExceptionNone            ExceptionKind = ""
	ExceptionModified        ExceptionKind = "modified"
	ExceptionRescheduled     ExceptionKind = "rescheduled"
	ExceptionCancelled       ExceptionKind = "cancelled"
	ExceptionConflictSkipped ExceptionKind = "conflict_skipped"
)

// exceptionTransitions 是状态机的显式转移表。
// conflict_skipped 只能在物化时进入，不能从 Active 转移过去；
// cancelled 和 conflict_skipped 是终态；
// 对已经是 modified/rescheduled 的 instance 再次编辑会重新求值，
// 因此允许它们之间互相转移以及自转移。
var exceptionTransitions = map[ExceptionKind][]ExceptionKind{
	ExceptionNone:        {ExceptionModified, ExceptionRescheduled, ExceptionCancelled},
	ExceptionModified:    {ExceptionModified, ExceptionRescheduled, ExceptionCancelled},
	ExceptionRescheduled: {ExceptionModified, ExceptionRescheduled, ExceptionCancelled},
}

// CanTransition 在每次写入前校验状态机转移是否合法
func CanTransition(from, to ExceptionKind) bool {
	for _, k := range exceptionTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// Instance 是连接记录，把系列的某一次 occurrence 映射到最多一条目标记录。
// (series_id, occurrence_date) 唯一；(target_table, target_ref) 在非空时唯一。
type Instance struct {
	ID             int64         `json:"id"`
	SeriesID       int64         `json:"seriesID"`
	OccurrenceDate time.Time     `json:"occurrenceDate"` // 所在时区的本地日期
	TargetTable    string        `json:"targetTable"`
	TargetRef      *int64        `json:"targetRef"` // 为空表示目标记录不存在（已取消或冲突跳过）
	IsException    bool          `json:"isException"`
	ExceptionKind  ExceptionKind `json:"exceptionKind"`
	// 改期时保留原始时间段，便于把整个 group 渲染为一条连续的时间线
	OriginalStart   *time.Time `json:"originalStart"`
	OriginalEnd     *time.Time `json:"originalEnd"`
	ExceptionReason string     `json:"exceptionReason"`
	ExceptionActor  string     `json:"exceptionActor"`
	ExceptionAt     *time.Time `json:"exceptionAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}
