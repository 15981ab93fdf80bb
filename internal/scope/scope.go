package scope

import (
	"strings"
	"sync/atomic"
)

// Filter 操作员设置的作用域过滤（host 子串），空串表示不过滤
type Filter struct {
	host atomic.Pointer[string]
}

// New 创建作用域过滤器
func New(host string) *Filter {
	f := &Filter{}
	f.Set(host)
	return f
}

// Get 当前作用域
func (f *Filter) Get() string {
	if p := f.host.Load(); p != nil {
		return *p
	}
	return ""
}

// Set 设置作用域，返回旧值
func (f *Filter) Set(host string) string {
	old := f.host.Swap(&host)
	if old == nil {
		return ""
	}
	return *old
}

// Allows 事件 host 是否在作用域内
func (f *Filter) Allows(host string) bool {
	s := f.Get()
	return s == "" || strings.Contains(host, s)
}
