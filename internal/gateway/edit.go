package gateway

import (
	"context"
	"fmt"
	"sort"

	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindPairs
)

type fieldSpec struct {
	path string
	kind valueKind
}

// editable 可编辑字段及其在报文中的位置
var editable = map[model.Section]map[model.Field]fieldSpec{
	model.SectionRequest: {
		model.FieldMethod:      {"request.method", kindString},
		model.FieldScheme:      {"request.scheme", kindString},
		model.FieldHost:        {"request.host", kindString},
		model.FieldPort:        {"request.port", kindInt},
		model.FieldPath:        {"request.path", kindString},
		model.FieldHTTPVersion: {"request.http_version", kindString},
		model.FieldHeaders:     {"request.headers", kindPairs},
		model.FieldTrailers:    {"request.trailers", kindPairs},
		model.FieldContent:     {"request.content", kindString},
	},
	model.SectionResponse: {
		model.FieldMsg:         {"response.reason", kindString},
		model.FieldHTTPVersion: {"response.http_version", kindString},
		model.FieldCode:        {"response.status_code", kindInt},
		model.FieldHeaders:     {"response.headers", kindPairs},
		model.FieldTrailers:    {"response.trailers", kindPairs},
		model.FieldContent:     {"response.body", kindString},
	},
}

// ParseEdits 解析 {"request":{...},"response":{...}} 形式的修改请求
func ParseEdits(body []byte) ([]model.FieldEdit, error) {
	var doc map[model.Section]map[model.Field]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var edits []model.FieldEdit
	for section, fields := range doc {
		for field, value := range fields {
			edits = append(edits, model.FieldEdit{Section: section, Field: field, Value: value})
		}
	}
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: no fields to edit", ErrMalformed)
	}
	sort.Slice(edits, func(i, j int) bool {
		if edits[i].Section != edits[j].Section {
			return edits[i].Section < edits[j].Section
		}
		return edits[i].Field < edits[j].Field
	})
	return edits, nil
}

// Edit 按字段修改记录报文
//
// 未知字段或类型不符视为非法输入；会改变记录键的修改被拒绝。
func (g *Gateway) Edit(ctx context.Context, key string, edits []model.FieldEdit) (*storage.MockRecord, error) {
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: no fields to edit", ErrMalformed)
	}
	for _, e := range edits {
		if _, err := lookupField(e); err != nil {
			return nil, err
		}
	}

	rec, err := g.store.Mutate(ctx, key, func(cur *storage.MockRecord) (*storage.MockRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		doc, err := applyEdits(cur.Payload, edits)
		if err != nil {
			return nil, err
		}
		next, err := traffic.KeyFromPayload(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if next != key {
			return nil, fmt.Errorf("%w: edit would move record to %s", ErrMalformed, next)
		}
		cur.Payload = doc
		return cur, nil
	})
	g.done("edit", key, err)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, model.CommandUpdate, rec)
	return rec, nil
}

func lookupField(e model.FieldEdit) (fieldSpec, error) {
	fields, ok := editable[e.Section]
	if !ok {
		return fieldSpec{}, fmt.Errorf("%w: unknown section %q", ErrMalformed, e.Section)
	}
	fd, ok := fields[e.Field]
	if !ok {
		return fieldSpec{}, fmt.Errorf("%w: unknown field %s.%s", ErrMalformed, e.Section, e.Field)
	}
	return fd, nil
}

func applyEdits(doc []byte, edits []model.FieldEdit) ([]byte, error) {
	out := doc
	for _, e := range edits {
		fd, err := lookupField(e)
		if err != nil {
			return nil, err
		}
		if e.Section == model.SectionResponse && !gjson.GetBytes(out, "response").IsObject() {
			return nil, fmt.Errorf("%w: record has no response to edit", ErrMalformed)
		}
		raw, err := normalize(e, fd.kind)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRawBytes(out, fd.path, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: set %s: %w", ErrMalformed, fd.path, err)
		}
	}
	return out, nil
}

// normalize 校验字段值类型并转换为写入报文的 JSON
func normalize(e model.FieldEdit, kind valueKind) ([]byte, error) {
	v := gjson.ParseBytes(e.Value)
	if len(e.Value) == 0 || !gjson.ValidBytes(e.Value) {
		return nil, fmt.Errorf("%w: %s.%s has invalid value", ErrMalformed, e.Section, e.Field)
	}
	switch kind {
	case kindString:
		if v.Type != gjson.String {
			return nil, fmt.Errorf("%w: %s.%s must be a string", ErrMalformed, e.Section, e.Field)
		}
		return e.Value, nil
	case kindInt:
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must be an integer", ErrMalformed, e.Section, e.Field)
		}
		return json.Marshal(n)
	case kindPairs:
		pairs, ok := toPairs(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must be a list of [name, value] pairs", ErrMalformed, e.Section, e.Field)
		}
		return json.Marshal(pairs)
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrMalformed, e.Section, e.Field)
}

// toInt 接受整数或数字字符串
func toInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		if float64(v.Int()) != v.Num {
			return 0, false
		}
		return v.Int(), true
	case gjson.String:
		r := gjson.Parse(v.Str)
		if r.Type != gjson.Number || float64(r.Int()) != r.Num {
			return 0, false
		}
		return r.Int(), true
	}
	return 0, false
}

func toPairs(v gjson.Result) ([][2]string, bool) {
	if !v.IsArray() {
		return nil, false
	}
	items := v.Array()
	pairs := make([][2]string, 0, len(items))
	for _, item := range items {
		kv := item.Array()
		if !item.IsArray() || len(kv) != 2 || kv[0].Type != gjson.String || kv[1].Type != gjson.String {
			return nil, false
		}
		pairs = append(pairs, [2]string{kv[0].Str, kv[1].Str})
	}
	return pairs, true
}
