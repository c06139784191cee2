package domain

import "errors"

var (
	// ErrBookingConflict 对应存储层排他约束被违反（SQLSTATE 23P01），
	// 物化时根据冲突策略转换为 conflict_skipped 或整批中止，不向上层抛出
	ErrBookingConflict = errors.New("预订时间段与已有记录冲突")
	// ErrDuplicateInstance 对应 (series_id, occurrence_date) 唯一约束，
	// 重复物化同一次 occurrence 时返回，调用方按幂等处理
	ErrDuplicateInstance = errors.New("该 occurrence 已经物化过")

	ErrGroupNotFound    = errors.New("日程组不存在")
	ErrSeriesNotFound   = errors.New("系列不存在")
	ErrInstanceNotFound = errors.New("instance 不存在")

	ErrInvalidTransition = errors.New("不允许的异常状态转移")
	ErrSeriesLocked      = errors.New("系列正在被其他操作占用")
)
