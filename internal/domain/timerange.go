package domain

import "time"

// TimeRange 是一个左闭右开的时间区间 [Start, End)
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps 按照左闭右开语义判断两个区间是否相交，
// 即一个区间的结束时刻恰好等于另一个区间的开始时刻时不算冲突
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}
