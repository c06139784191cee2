package domain

import "time"

// ScheduleGroup 是面向用户的逻辑容器，把"同一个"周期性日程的所有版本统一在一起
// （例如"每周例会"）。首次创建系列或首次拆分未分组的系列时创建；
// 结构上不会被修改，最后一个系列被删除时随之删除。
type ScheduleGroup struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Color         string    `json:"color"`
	OwnerUsername string    `json:"ownerUsername"`
	CreatedAt     time.Time `json:"createdAt"`
}
