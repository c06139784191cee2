package storage

import (
	"fmt"
	"slices"
	"sort"
)

// ValidateTemplate 校验模板字段全部在可写白名单内。
// 有未知或不允许的字段时拒绝整个系列的注册，而不是某一次 occurrence
func ValidateTemplate(template map[string]any, writable []string) error {
	fields := make([]string, 0, len(template))
	for field := range template {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if !slices.Contains(writable, field) {
			return fmt.Errorf("模板字段 %s 不在目标表的可写白名单中", field)
		}
	}

	return nil
}

// MissingFields 返回模板中已经不在白名单里的字段，用于 schema 漂移检测
func MissingFields(template map[string]any, writable []string) []string {
	missing := []string{}
	for field := range template {
		if !slices.Contains(writable, field) {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}
