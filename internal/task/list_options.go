package task

import (
	"strings"
	"time"
)

// 列表分页的默认值与上限，与 API 的 limit 参数一致。
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Order 是任务列表按 UpdatedAt 排序的方向。
type Order string

const (
	OrderNewestFirst Order = "desc"
	OrderOldestFirst Order = "asc"
)

// ParseOrder 解析 "asc"/"desc"，空串视为 desc。
func ParseOrder(raw string) (Order, bool) {
	switch Order(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OrderNewestFirst:
		return OrderNewestFirst, true
	case OrderOldestFirst:
		return OrderOldestFirst, true
	}
	return "", false
}

// ListOptions 是 Store.List / Store.Stats 的过滤条件，时间戳为 Unix 秒，0 表示不限。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      Order
	Query      string
}

func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != OrderOldestFirst {
		o.Order = OrderNewestFirst
	}
	o.Statuses = dedupeStatuses(o.Statuses)
	o.Query = strings.TrimSpace(o.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，超过上限时截断为 100。
func WithLimit(n int) ListOption {
	return func(o *ListOptions) { o.Limit = n }
}

// WithOffset 跳过前 n 条匹配任务。
func WithOffset(n int) ListOption {
	return func(o *ListOptions) { o.Offset = n }
}

// WithStatuses 只保留给定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithUpdatedWindow 按 UpdatedAt 闭区间过滤，零值一端不设限。
func WithUpdatedWindow(since, until time.Time) ListOption {
	return func(o *ListOptions) {
		o.UpdatedGTE, o.UpdatedLTE = unixOrZero(since), unixOrZero(until)
	}
}

// WithResult 按是否已记录查询结果过滤。
func WithResult(present bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &present }
}

// WithOrder 设置排序方向。
func WithOrder(order Order) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 在查询文本、错误信息与错误码中做不区分大小写的子串匹配。
func WithQuery(q string) ListOption {
	return func(o *ListOptions) { o.Query = q }
}

func buildListOptions(opts []ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	out.applyDefaults()
	return out
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// dedupeStatuses 去掉未知与重复状态，结果为空时返回 nil（即不过滤）。
func dedupeStatuses(in []Status) []Status {
	var out []Status
	for _, s := range in {
		if IsValidStatus(s) && !containsStatus(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
