package conflict

import (
	"context"

	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// CommittedRange 是作用域内一条已提交的时间段及其目标记录引用
type CommittedRange struct {
	Ref   int64
	Range domain.TimeRange
}

// RangeSource 提供某个作用域（例如一个资源）内已提交的时间段，由存储协作方实现
type RangeSource interface {
	ListRanges(ctx context.Context, table string, scopeKey int64, from, until time.Time) ([]CommittedRange, error)
}

type PreviewResult struct {
	Range          domain.TimeRange `json:"range"`
	HasConflict    bool             `json:"hasConflict"`
	ConflictingRef *int64           `json:"conflictingRef"`
}

type Detector struct {
	source RangeSource
}

func NewDetector(source RangeSource) *Detector {
	return &Detector{source: source}
}

// Preview 对每个候选区间检查是否与作用域内已提交的区间相交（左闭右开语义）。
// 只读且仅供参考：最终的正确性由存储层的排他约束保证，
// 提交时仍可能因并发竞争被拒绝
func (d *Detector) Preview(ctx context.Context, table string, scopeKey int64, candidates []domain.TimeRange) ([]PreviewResult, error) {
	results := make([]PreviewResult, len(candidates))
	for i, c := range candidates {
		results[i] = PreviewResult{Range: c}
	}
	if len(candidates) == 0 {
		return results, nil
	}

	// 用一次查询覆盖所有候选区间
	window := candidates[0]
	for _, c := range candidates[1:] {
		if c.Start.Before(window.Start) {
			window.Start = c.Start
		}
		if c.End.After(window.End) {
			window.End = c.End
		}
	}

	committed, err := d.source.ListRanges(ctx, table, scopeKey, window.Start, window.End)
	if err != nil {
		return nil, err
	}

	for i := range results {
		for _, cr := range committed {
			if results[i].Range.Overlaps(cr.Range) {
				ref := cr.Ref
				results[i].HasConflict = true
				results[i].ConflictingRef = &ref
				break
			}
		}
	}

	return results, nil
}
