package traffic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedPayload 报文文档缺少生成记录键所需的字段
var ErrMalformedPayload = errors.New("malformed payload")

// CanonicalKey 生成记录键：scheme://host + 去掉查询串的 path
//
// 只做文本拼接，不处理大小写、端口和结尾斜杠。
func CanonicalKey(scheme, host, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return scheme + "://" + host + path
}

// KeyFromPayload 从报文文档的 request 部分生成记录键
func KeyFromPayload(doc []byte) (string, error) {
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	req := gjson.GetBytes(doc, "request")
	if !req.IsObject() {
		return "", fmt.Errorf("%w: missing request", ErrMalformedPayload)
	}
	scheme := req.Get("scheme").String()
	host := req.Get("host").String()
	if scheme == "" || host == "" {
		return "", fmt.Errorf("%w: request scheme and host are required", ErrMalformedPayload)
	}
	return CanonicalKey(scheme, host, req.Get("path").String()), nil
}

// HostFromPayload 读取 request.host，不存在时返回空串
func HostFromPayload(doc []byte) string {
	return gjson.GetBytes(doc, "request.host").String()
}

// HasResponseBody 报文是否携带已取得的响应体
//
// 兼容旧版客户端使用的 response.html 字段。
func HasResponseBody(doc []byte) bool {
	res := gjson.GetBytes(doc, "response")
	if !res.IsObject() {
		return false
	}
	return res.Get("body").String() != "" || res.Get("html").String() != ""
}

// HasResponse 报文是否存在 response 对象
func HasResponse(doc []byte) bool {
	return gjson.GetBytes(doc, "response").IsObject()
}
