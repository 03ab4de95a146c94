package service

import "time"

// ListFilter 明细查询的通用过滤条件
type ListFilter struct {
	Status   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 10
	}
}
