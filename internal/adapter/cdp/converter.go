package cdp

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"softmock/internal/rules"
	"softmock/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"
)

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToNeutralResponse 将 CDP 事件转换为中立 Response 模型
func ToNeutralResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, h := range ev.ResponseHeaders {
		res.Headers.Set(h.Name, h.Value)
	}
	res.Body = body
	return res
}

// ToEvalContext 构建规则匹配上下文，header/query/cookie 名统一小写
func ToEvalContext(req *traffic.Request) rules.EvalContext {
	ctx := rules.EvalContext{
		URL:          req.URL,
		Method:       req.Method,
		Headers:      map[string]string(req.Headers),
		Query:        make(map[string]string),
		Cookies:      ParseCookie(req.Headers.Get("cookie")),
		Body:         string(req.Body),
		ContentType:  req.Headers.Get("content-type"),
		ResourceType: req.ResourceType,
	}
	if u, err := url.Parse(req.URL); err == nil {
		for key, vals := range u.Query() {
			if len(vals) > 0 {
				ctx.Query[strings.ToLower(key)] = vals[0]
			}
		}
	}
	return ctx
}

// ParseCookie 解析 Cookie 请求头
func ParseCookie(s string) map[string]string {
	out := make(map[string]string)
	for _, p := range strings.Split(s, ";") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			out[strings.ToLower(kv[0])] = kv[1]
		}
	}
	return out
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, kv := range h.Pairs() {
		entries = append(entries, fetch.HeaderEntry{Name: kv[0], Value: kv[1]})
	}
	return entries
}

// DecodeBody 解码 GetResponseBody 的返回内容
func DecodeBody(body string, base64Encoded bool) []byte {
	if !base64Encoded {
		return []byte(body)
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return []byte(body)
	}
	return b
}

// FulfillArgs 用已存储报文的 response 构造 FulfillRequest 参数
//
// 报文没有 response 对象时返回 nil。
func FulfillArgs(requestID fetch.RequestID, doc []byte) *fetch.FulfillRequestArgs {
	res := gjson.GetBytes(doc, "response")
	if !res.IsObject() {
		return nil
	}
	code := int(res.Get("status_code").Int())
	if code <= 0 {
		code = http.StatusOK
	}
	h := make(traffic.Header)
	res.Get("headers").ForEach(func(_, kv gjson.Result) bool {
		if pair := kv.Array(); len(pair) == 2 {
			h.Set(pair[0].String(), pair[1].String())
		}
		return true
	})
	// 存储的是解码后的正文，长度和编码头需要去掉
	h.Del("content-length")
	h.Del("content-encoding")

	body := res.Get("body")
	if !body.Exists() {
		body = res.Get("html")
	}
	args := &fetch.FulfillRequestArgs{
		RequestID:       requestID,
		ResponseCode:    code,
		ResponseHeaders: ToHeaderEntries(h),
		Body:            []byte(body.String()),
	}
	if reason := res.Get("reason").String(); reason != "" {
		args.ResponsePhrase = &reason
	}
	return args
}
