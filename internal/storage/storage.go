package storage

import (
	"context"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/conflict"
)

// Collaborator 是目标记录存储的窄接口。引擎只通过它读写任意目标表，
// 不做反射或动态分发，具体的表由各部署在 Registry 中绑定适配
type Collaborator interface {
	CreateRecord(ctx context.Context, table string, fields map[string]any) (int64, error)
	UpdateRecord(ctx context.Context, table string, ref int64, fields map[string]any) error
	DeleteRecord(ctx context.Context, table string, ref int64) error
	// WritableFields 返回目标表当前可写字段的白名单（注册表与实际 schema 的交集），
	// 用于模板校验和 schema 漂移检测
	WritableFields(ctx context.Context, table string) ([]string, error)
	// Adapter 返回目标表的适配信息（作用域列、时间列）
	Adapter(table string) (TableAdapter, bool)

	conflict.RangeSource
}

// TableAdapter 声明一张目标表的时间列、冲突检测的作用域列，
// 以及允许模板写入的字段白名单
type TableAdapter struct {
	Table       string
	ScopeColumn string
	StartColumn string
	EndColumn   string
	Writable    []string
}

// Registry 是部署时绑定的目标表注册表
type Registry map[string]TableAdapter

func (r Registry) Adapter(table string) (TableAdapter, bool) {
	ad, ok := r[table]
	return ad, ok
}

// DefaultRegistry 绑定默认的 bookings 目标表。
// bookings 表上的排他约束（resource_id 相同且时间段相交时拒绝插入）
// 是资源互斥的最终保证
func DefaultRegistry() Registry {
	return Registry{
		"bookings": {
			Table:       "bookings",
			ScopeColumn: "resource_id",
			StartColumn: "start_time",
			EndColumn:   "end_time",
			Writable:    []string{"resource_id", "title", "notes", "created_by"},
		},
	}
}

// 让编译器检查 Postgres 实现了完整的协作方接口
var _ Collaborator = (*Postgres)(nil)
