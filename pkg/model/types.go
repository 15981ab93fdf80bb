package model

import (
	"encoding/json"
)

type TargetID string
type RuleID string

// Command 事件指令
type Command string

const (
	CommandCreate Command = "create"
	CommandUpdate Command = "update"
	CommandRemove Command = "remove"
)

// ResourceFlows 唯一会被处理的事件资源类型
const ResourceFlows = "flows"

// IngestEvent 拦截引擎推送的流量事件，也是广播给客户端的消息结构
type IngestEvent struct {
	Command  Command         `json:"command"`
	Resource string          `json:"resource"`
	Data     json.RawMessage `json:"data"`
}

// UnmarshalJSON 兼容旧版字段名 cmd
func (e *IngestEvent) UnmarshalJSON(b []byte) error {
	var raw struct {
		Command  Command         `json:"command"`
		Cmd      Command         `json:"cmd"`
		Resource string          `json:"resource"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Command = raw.Command
	if e.Command == "" {
		e.Command = raw.Cmd
	}
	e.Resource = raw.Resource
	e.Data = raw.Data
	return nil
}

// IsFlow 是否为 flows 资源事件
func (e *IngestEvent) IsFlow() bool {
	return e != nil && e.Resource == ResourceFlows
}

// Section 可编辑的报文部分
type Section string

const (
	SectionRequest  Section = "request"
	SectionResponse Section = "response"
)

// Field 可编辑字段的封闭枚举
type Field string

const (
	FieldMethod      Field = "method"
	FieldScheme      Field = "scheme"
	FieldHost        Field = "host"
	FieldPort        Field = "port"
	FieldPath        Field = "path"
	FieldHTTPVersion Field = "http_version"
	FieldHeaders     Field = "headers"
	FieldTrailers    Field = "trailers"
	FieldContent     Field = "content"
	FieldMsg         Field = "msg"
	FieldCode        Field = "code"
)

// FieldEdit 针对单个字段的修改
type FieldEdit struct {
	Section Section
	Field   Field
	Value   json.RawMessage
}

// EngineStats 采集统计
type EngineStats struct {
	Total    int64            `json:"total"`
	Captured int64            `json:"captured"`
	Mocked   int64            `json:"mocked"`
	Skipped  int64            `json:"skipped"`
	ByRule   map[RuleID]int64 `json:"byRule"`
}

// TargetInfo 浏览器调试目标
type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// RuleAction 采集规则动作
type RuleAction string

const (
	RuleActionCapture RuleAction = "capture"
	RuleActionSkip    RuleAction = "skip"
)

// Rule 采集规则
type Rule struct {
	ID       RuleID
	Name     string
	Priority int
	Mode     string
	Action   RuleAction
	Match    Match
}

// Match 规则匹配条件组合
type Match struct {
	AllOf  []Condition
	AnyOf  []Condition
	NoneOf []Condition
}

// Condition 单个匹配条件
type Condition struct {
	Type    string
	Mode    string
	Pattern string
	Values  []string
	Key     string
	Op      string
	Value   string
	Path    string
}

// RuleSet 规则集合
type RuleSet struct {
	Rules []Rule
}
