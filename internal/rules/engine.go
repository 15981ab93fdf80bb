package rules

import (
	"strings"
	"sync"

	"softmock/internal/config"
	"softmock/pkg/model"

	"github.com/tidwall/gjson"
)

// Engine 采集规则引擎，决定拦截到的请求是否记录
type Engine struct {
	mu    sync.RWMutex
	rs    model.RuleSet
	stats *stats
}

// New 创建规则引擎
func New(rs model.RuleSet) *Engine {
	return &Engine{rs: rs, stats: newStats()}
}

// Update 替换规则集并清空统计
func (e *Engine) Update(rs model.RuleSet) {
	e.mu.Lock()
	e.rs = rs
	e.mu.Unlock()
	e.stats.reset()
}

// EvalContext 规则匹配上下文
type EvalContext struct {
	URL          string
	Method       string
	Headers      map[string]string
	Query        map[string]string
	Cookies      map[string]string
	Body         string
	ContentType  string
	ResourceType string
}

// Result 匹配结果
type Result struct {
	RuleID model.RuleID
	Action model.RuleAction
}

// Eval 返回优先级最高的命中规则，未命中返回 nil
func (e *Engine) Eval(ctx EvalContext) *Result {
	chosen := e.match(ctx)
	e.stats.record(chosen)
	if chosen == nil {
		return nil
	}
	return &Result{RuleID: chosen.ID, Action: chosen.Action}
}

// Peek 与 Decide 相同但不计入统计，用于同一请求的响应阶段
func (e *Engine) Peek(ctx EvalContext) model.RuleAction {
	if e == nil {
		return model.RuleActionCapture
	}
	if r := e.match(ctx); r != nil {
		return r.Action
	}
	return model.RuleActionCapture
}

// RecordMocked 记录一次直接返回 mock 的请求
func (e *Engine) RecordMocked() {
	if e != nil {
		e.stats.recordMocked()
	}
}

func (e *Engine) match(ctx EvalContext) *model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var chosen *model.Rule
	for i := range e.rs.Rules {
		r := &e.rs.Rules[i]
		if !matchRule(ctx, r.Match) {
			continue
		}
		if chosen == nil || r.Priority > chosen.Priority {
			chosen = r
		}
		if r.Mode == "short_circuit" {
			break
		}
	}
	if chosen == nil {
		return nil
	}
	cp := *chosen
	return &cp
}

// Decide 计算采集动作，未命中任何规则时默认采集
func (e *Engine) Decide(ctx EvalContext) model.RuleAction {
	if e == nil {
		return model.RuleActionCapture
	}
	if res := e.Eval(ctx); res != nil {
		return res.Action
	}
	return model.RuleActionCapture
}

// Stats 返回规则命中统计
func (e *Engine) Stats() model.EngineStats {
	return e.stats.snapshot()
}

// FromConfig 把配置中的采集规则转换为规则集
func FromConfig(cfg []config.CaptureRule) model.RuleSet {
	rs := model.RuleSet{Rules: make([]model.Rule, 0, len(cfg))}
	for _, c := range cfg {
		action := model.RuleAction(c.Action)
		if action == "" {
			action = model.RuleActionCapture
		}
		rs.Rules = append(rs.Rules, model.Rule{
			ID:       model.RuleID(c.ID),
			Name:     c.Name,
			Priority: c.Priority,
			Mode:     c.Mode,
			Action:   action,
			Match: model.Match{
				AllOf:  conditions(c.AllOf),
				AnyOf:  conditions(c.AnyOf),
				NoneOf: conditions(c.NoneOf),
			},
		})
	}
	return rs
}

func conditions(cs []config.CaptureCondition) []model.Condition {
	if len(cs) == 0 {
		return nil
	}
	out := make([]model.Condition, 0, len(cs))
	for _, c := range cs {
		out = append(out, model.Condition{
			Type:    c.Type,
			Mode:    c.Mode,
			Pattern: c.Pattern,
			Values:  c.Values,
			Key:     strings.ToLower(c.Key),
			Op:      c.Op,
			Value:   c.Value,
			Path:    c.Path,
		})
	}
	return out
}

func matchRule(ctx EvalContext, m model.Match) bool {
	if len(m.AllOf) == 0 && len(m.AnyOf) == 0 && len(m.NoneOf) == 0 {
		return true
	}
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && !anyOf(ctx, m.NoneOf)
	}
	return ok
}

func allOf(ctx EvalContext, cs []model.Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx EvalContext, cs []model.Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func cond(ctx EvalContext, c model.Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(ctx.URL, c.Pattern)
		case "regex":
			return matchRegex(ctx.URL, c.Pattern)
		case "exact":
			return ctx.URL == c.Pattern
		case "contains":
			return strings.Contains(ctx.URL, c.Pattern)
		default:
			return glob(ctx.URL, c.Pattern)
		}
	case "method":
		return oneOf(ctx.Method, c.Values)
	case "resource_type":
		return oneOf(ctx.ResourceType, c.Values)
	case "content_type":
		return compare(ctx.ContentType, c.Op, c.Value, ctx.ContentType != "")
	case "header":
		v, ok := ctx.Headers[c.Key]
		return compare(v, c.Op, c.Value, ok)
	case "query":
		v, ok := ctx.Query[c.Key]
		return compare(v, c.Op, c.Value, ok)
	case "cookie":
		v, ok := ctx.Cookies[c.Key]
		return compare(v, c.Op, c.Value, ok)
	case "text":
		return compare(ctx.Body, c.Op, c.Value, ctx.Body != "")
	case "json":
		if ctx.Body == "" || !gjson.Valid(ctx.Body) {
			return false
		}
		r := gjson.Get(ctx.Body, c.Path)
		return compare(r.String(), c.Op, c.Value, r.Exists())
	default:
		return false
	}
}

// compare 按 op 比较取到的值，present 为 false 时不匹配
func compare(v, op, want string, present bool) bool {
	if !present {
		return false
	}
	switch op {
	case "equals":
		return v == want
	case "contains":
		return strings.Contains(v, want)
	case "prefix":
		return strings.HasPrefix(v, want)
	case "regex":
		return matchRegex(v, want)
	default:
		return true
	}
}

func oneOf(v string, values []string) bool {
	for _, x := range values {
		if strings.EqualFold(v, x) {
			return true
		}
	}
	return false
}

func glob(s, pattern string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(s, strings.Trim(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
