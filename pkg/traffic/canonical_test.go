package traffic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCanonicalKey(t *testing.T) {
	cases := []struct {
		name               string
		scheme, host, path string
		want               string
	}{
		{"strips query", "http", "a.com", "/p?x=1", "http://a.com/p"},
		{"first question mark only", "http", "a.com", "/p?x=1?y=2", "http://a.com/p"},
		{"no query", "https", "api.a.com", "/v1/items", "https://api.a.com/v1/items"},
		{"empty path", "http", "a.com", "", "http://a.com"},
		{"query only", "http", "a.com", "?q=1", "http://a.com"},
		{"trailing slash kept", "http", "a.com", "/", "http://a.com/"},
		{"case kept", "http", "A.com", "/P", "http://A.com/P"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalKey(tc.scheme, tc.host, tc.path))
		})
	}
}

func TestCanonicalKey_QueryVariantsCollide(t *testing.T) {
	assert.Equal(t, CanonicalKey("http", "a.com", "/p?x=1"), CanonicalKey("http", "a.com", "/p?y=2"))
	assert.NotEqual(t, CanonicalKey("http", "a.com", ""), CanonicalKey("http", "a.com", "/"))
}

func TestKeyFromPayload(t *testing.T) {
	key, err := KeyFromPayload([]byte(`{"id":"x","request":{"scheme":"http","host":"x.com","path":"/a?z=1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "http://x.com/a", key)

	_, err = KeyFromPayload([]byte(`{"request":{"scheme":"http"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = KeyFromPayload([]byte(`{"response":{}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = KeyFromPayload([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHasResponseBody(t *testing.T) {
	assert.False(t, HasResponseBody([]byte(`{"request":{}}`)))
	assert.False(t, HasResponseBody([]byte(`{"response":{"status_code":200}}`)))
	assert.False(t, HasResponseBody([]byte(`{"response":{"body":""}}`)))
	assert.True(t, HasResponseBody([]byte(`{"response":{"body":"ok"}}`)))
	assert.True(t, HasResponseBody([]byte(`{"response":{"html":"<p>"}}`)))
	assert.True(t, HasResponse([]byte(`{"response":{"status_code":200}}`)))
	assert.False(t, HasResponse([]byte(`{"response":null}`)))
}

func TestPayload(t *testing.T) {
	req := NewRequest()
	req.ID = "req-1"
	req.URL = "https://api.a.com:8443/v1/items?page=2"
	req.Method = "GET"
	req.Headers.Set("Accept", "application/json")
	req.Started = time.Unix(1700000000, 0)

	doc, err := Payload(req, nil)
	require.NoError(t, err)

	assert.Equal(t, "req-1", gjson.GetBytes(doc, "id").String())
	assert.Equal(t, "https", gjson.GetBytes(doc, "request.scheme").String())
	assert.Equal(t, "api.a.com", gjson.GetBytes(doc, "request.host").String())
	assert.Equal(t, int64(8443), gjson.GetBytes(doc, "request.port").Int())
	assert.Equal(t, "/v1/items?page=2", gjson.GetBytes(doc, "request.path").String())
	assert.Equal(t, "accept", gjson.GetBytes(doc, "request.headers.0.0").String())
	assert.False(t, HasResponse(doc))

	key, err := KeyFromPayload(doc)
	require.NoError(t, err)
	reqKey, err := req.Key()
	require.NoError(t, err)
	assert.Equal(t, "https://api.a.com/v1/items", key)
	assert.Equal(t, key, reqKey)

	res := NewResponse()
	res.Body = []byte(`{"items":[]}`)
	doc, err = Payload(req, res)
	require.NoError(t, err)
	assert.Equal(t, int64(200), gjson.GetBytes(doc, "response.status_code").Int())
	assert.Equal(t, "OK", gjson.GetBytes(doc, "response.reason").String())
	assert.True(t, HasResponseBody(doc))
}

func TestRequestFromPayload(t *testing.T) {
	req := NewRequest()
	req.ID = "r1"
	req.URL = "https://a.com:8443/p?q=1"
	req.Method = "POST"
	req.Headers.Set("X-Token", "t")
	req.Body = []byte("hello")

	doc, err := Payload(req, nil)
	require.NoError(t, err)

	back, err := RequestFromPayload(doc)
	require.NoError(t, err)
	assert.Equal(t, "r1", back.ID)
	assert.Equal(t, "https://a.com:8443/p?q=1", back.URL)
	assert.Equal(t, "POST", back.Method)
	assert.Equal(t, "t", back.Headers.Get("x-token"))
	assert.Equal(t, "hello", string(back.Body))

	_, err = RequestFromPayload([]byte(`{"request":{"host":"a.com"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRequestFromPayloadDefaultPort(t *testing.T) {
	back, err := RequestFromPayload([]byte(`{"request":{"scheme":"http","host":"a.com","port":80,"path":"/x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "http://a.com/x", back.URL)
	assert.Equal(t, "GET", back.Method)
}

func TestSetResponseReplaces(t *testing.T) {
	res := NewResponse()
	res.StatusCode = 404
	res.Body = []byte("nope")
	doc, err := SetResponse([]byte(`{"request":{},"response":{"body":"old","extra":1}}`), res)
	require.NoError(t, err)
	assert.Equal(t, "nope", gjson.GetBytes(doc, "response.body").String())
	assert.Equal(t, "Not Found", gjson.GetBytes(doc, "response.reason").String())
	assert.False(t, gjson.GetBytes(doc, "response.extra").Exists())
}
