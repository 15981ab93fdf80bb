package traffic

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Pairs 按键名排序输出 [[name, value], ...]
func (h Header) Pairs() [][2]string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, h[k]})
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID           string    // 事务唯一ID
	URL          string    // 完整URL
	Method       string    // HTTP方法
	Headers      Header    // 请求头
	Body         []byte    // 请求体原始数据
	ResourceType string    // 资源类型 (如 Document, XHR)
	Started      time.Time // 请求开始时间
}

// Response 中立的响应模型
type Response struct {
	StatusCode int       // 状态码
	Reason     string    // 状态描述
	Headers    Header    // 响应头
	Body       []byte    // 响应体数据
	Finished   time.Time // 响应完成时间
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Started: time.Now(),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
		Finished:   time.Now(),
	}
}

// Key 请求对应的记录键
func (r *Request) Key() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	return CanonicalKey(u.Scheme, u.Hostname(), requestPath(u)), nil
}

// Payload 生成与引擎事件 data 相同结构的报文文档，res 为空时不含 response
func Payload(req *Request, res *Response) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	doc := []byte(`{}`)
	set := func(path string, v any) {
		if err != nil {
			return
		}
		doc, err = sjson.SetBytes(doc, path, v)
	}

	set("id", req.ID)
	set("request.method", req.Method)
	set("request.scheme", u.Scheme)
	set("request.host", u.Hostname())
	set("request.port", port(u))
	set("request.path", requestPath(u))
	set("request.http_version", "HTTP/1.1")
	set("request.headers", req.Headers.Pairs())
	set("request.content", string(req.Body))
	set("request.resource_type", req.ResourceType)
	set("request.timestamp_start", unixSeconds(req.Started))

	if err != nil {
		return nil, err
	}
	if res == nil {
		return doc, nil
	}
	return SetResponse(doc, res)
}

// SetResponse 用 res 替换报文中的 response 部分
func SetResponse(doc []byte, res *Response) ([]byte, error) {
	reason := res.Reason
	if reason == "" {
		reason = http.StatusText(res.StatusCode)
	}
	body := map[string]any{
		"status_code":   res.StatusCode,
		"reason":        reason,
		"http_version":  "HTTP/1.1",
		"headers":       res.Headers.Pairs(),
		"body":          string(res.Body),
		"timestamp_end": unixSeconds(res.Finished),
	}
	return sjson.SetBytes(doc, "response", body)
}

// RequestFromPayload 从报文文档还原请求
func RequestFromPayload(doc []byte) (*Request, error) {
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	r := gjson.GetBytes(doc, "request")
	scheme, host := r.Get("scheme").String(), r.Get("host").String()
	if scheme == "" || host == "" {
		return nil, fmt.Errorf("%w: request scheme and host are required", ErrMalformedPayload)
	}
	u := url.URL{Scheme: scheme, Host: host}
	if p := r.Get("port").Int(); p > 0 && !defaultPort(scheme, int(p)) {
		u.Host = net.JoinHostPort(host, strconv.FormatInt(p, 10))
	}
	target := u.String() + r.Get("path").String()

	req := NewRequest()
	req.ID = gjson.GetBytes(doc, "id").String()
	req.URL = target
	req.Method = r.Get("method").String()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	r.Get("headers").ForEach(func(_, kv gjson.Result) bool {
		if pair := kv.Array(); len(pair) == 2 {
			req.Headers.Set(pair[0].String(), pair[1].String())
		}
		return true
	})
	req.Body = []byte(r.Get("content").String())
	req.ResourceType = r.Get("resource_type").String()
	return req, nil
}

func defaultPort(scheme string, p int) bool {
	return (scheme == "http" && p == 80) || (scheme == "https" && p == 443)
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

func port(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		return 443
	}
	return 80
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
