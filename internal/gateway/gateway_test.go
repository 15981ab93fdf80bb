package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"softmock/internal/scope"
	"softmock/internal/storage"
	"softmock/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type recorder struct {
	mu     sync.Mutex
	events []*model.IngestEvent
}

func (r *recorder) Publish(_ context.Context, ev *model.IngestEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1
}

func (r *recorder) commands() []model.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Command, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Command)
	}
	return out
}

type fixture struct {
	gw    *Gateway
	store *storage.Store
	scope *scope.Filter
	pub   *recorder
}

func newFixture(t *testing.T, broadcast bool) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Options{Dsn: filepath.Join(t.TempDir(), "mock.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{store: st, scope: scope.New(""), pub: &recorder{}}
	f.gw = New(Config{Store: st, Scope: f.scope, Publisher: f.pub, BroadcastEdits: broadcast})
	return f
}

const doc = `{"id":"r1","request":{"scheme":"http","host":"a.com","port":80,"path":"/p","method":"GET"},"response":{"status_code":200,"body":"hi"}}`

func TestDecodeKey(t *testing.T) {
	key := "http://a.com/p?x=>>?"
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		got, err := DecodeKey(enc.EncodeToString([]byte(key)))
		require.NoError(t, err)
		assert.Equal(t, key, got)
	}

	plus := base64.StdEncoding.EncodeToString([]byte("http://a.com/>>>?"))
	require.Contains(t, plus, "+")
	got, err := DecodeKey(strings.ReplaceAll(plus, "+", " "))
	require.NoError(t, err)
	assert.Equal(t, "http://a.com/>>>?", got)

	_, err = DecodeKey("")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeKey("!!not base64!!")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCreateConflict(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	rec, err := f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, "r1", rec.ID)

	_, err = f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = f.gw.Create(ctx, "http://a.com/q", []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUpdateAndSetEnabled(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.gw.Update(ctx, "http://a.com/p", true, []byte(doc))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)

	rec, err := f.gw.Update(ctx, "http://a.com/p", false, []byte(`{"request":{"scheme":"http","host":"a.com","path":"/p"}}`))
	require.NoError(t, err)
	assert.False(t, rec.Enabled)
	assert.Equal(t, "r1", rec.ID)
	assert.False(t, gjson.GetBytes(rec.Payload, "response").Exists())

	rec, err = f.gw.SetEnabled(ctx, "http://a.com/p", true)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)

	_, err = f.gw.SetEnabled(ctx, "http://a.com/none", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)

	require.NoError(t, f.gw.Delete(ctx, "http://a.com/p"))
	require.NoError(t, f.gw.Delete(ctx, "http://a.com/p"))

	assert.Equal(t, []model.Command{model.CommandCreate, model.CommandRemove}, f.pub.commands())
}

func TestListUsesScope(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)
	_, err = f.gw.Create(ctx, "http://b.com/p", []byte(`{"request":{"scheme":"http","host":"b.com","path":"/p"}}`))
	require.NoError(t, err)
	_, err = f.gw.SetEnabled(ctx, "http://b.com/p", false)
	require.NoError(t, err)

	all, err := f.gw.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, gjson.GetBytes(all[0], "status").Bool())
	assert.False(t, gjson.GetBytes(all[1], "status").Bool())

	f.scope.Set("b.com")
	scoped, err := f.gw.List(ctx)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "b.com", gjson.GetBytes(scoped[0], "request.host").String())
}

func TestClearScope(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for _, k := range []string{"http://a.com/1", "http://a.com/2", "http://b.com/1"} {
		_, err := f.gw.Create(ctx, k, []byte(`{}`))
		require.NoError(t, err)
	}
	f.scope.Set("a.com")
	n, err := f.gw.ClearScope(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)
}

func TestBroadcastPolicy(t *testing.T) {
	ctx := context.Background()

	on := newFixture(t, true)
	_, err := on.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)
	_, err = on.gw.SetEnabled(ctx, "http://a.com/p", false)
	require.NoError(t, err)
	assert.Equal(t, []model.Command{model.CommandCreate, model.CommandUpdate}, on.pub.commands())
	assert.False(t, gjson.GetBytes(on.pub.events[1].Data, "status").Bool())
	assert.Equal(t, model.ResourceFlows, on.pub.events[0].Resource)

	off := newFixture(t, false)
	_, err = off.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)
	assert.Empty(t, off.pub.commands())
}

func TestParseEdits(t *testing.T) {
	edits, err := ParseEdits([]byte(`{"response":{"code":"404"},"request":{"method":"POST","headers":[["a","b"]]}}`))
	require.NoError(t, err)
	require.Len(t, edits, 3)
	assert.Equal(t, model.SectionRequest, edits[0].Section)
	assert.Equal(t, model.FieldHeaders, edits[0].Field)
	assert.Equal(t, model.FieldMethod, edits[1].Field)
	assert.Equal(t, model.FieldCode, edits[2].Field)

	_, err = ParseEdits([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseEdits([]byte(`[1]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEdit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)

	edits, err := ParseEdits([]byte(`{
		"request":{"method":"POST","path":"/p?new=1","headers":[["x-a","1"]]},
		"response":{"code":"418","msg":"teapot","content":"brewed"}
	}`))
	require.NoError(t, err)

	rec, err := f.gw.Edit(ctx, "http://a.com/p", edits)
	require.NoError(t, err)
	p := rec.Payload
	assert.Equal(t, "POST", gjson.GetBytes(p, "request.method").String())
	assert.Equal(t, "/p?new=1", gjson.GetBytes(p, "request.path").String())
	assert.Equal(t, "x-a", gjson.GetBytes(p, "request.headers.0.0").String())
	assert.Equal(t, int64(418), gjson.GetBytes(p, "response.status_code").Int())
	assert.Equal(t, "teapot", gjson.GetBytes(p, "response.reason").String())
	assert.Equal(t, "brewed", gjson.GetBytes(p, "response.body").String())
	assert.Equal(t, model.CommandUpdate, f.pub.commands()[1])
}

func TestEditRejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.gw.Create(ctx, "http://a.com/p", []byte(doc))
	require.NoError(t, err)

	cases := map[string]string{
		"unknown field":   `{"request":{"cookies":"x"}}`,
		"unknown section": `{"flow":{"method":"x"}}`,
		"wrong type":      `{"request":{"method":1}}`,
		"bad port":        `{"request":{"port":"eighty"}}`,
		"bad headers":     `{"request":{"headers":{"a":"b"}}}`,
		"key change":      `{"request":{"host":"b.com"}}`,
		"path change":     `{"request":{"path":"/other"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			edits := mustEdits(t, body)
			_, err := f.gw.Edit(ctx, "http://a.com/p", edits)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	rec, err := f.store.Get(ctx, "http://a.com/p")
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(rec.Payload))

	_, err = f.gw.Edit(ctx, "http://a.com/missing", mustEdits(t, `{"request":{"method":"PUT"}}`))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func mustEdits(t *testing.T, body string) []model.FieldEdit {
	t.Helper()
	edits, err := ParseEdits([]byte(body))
	require.NoError(t, err)
	return edits
}

func TestReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/p", r.URL.Path)
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer upstream.Close()

	f := newFixture(t, true)
	ctx := context.Background()
	host := strings.TrimPrefix(upstream.URL, "http://")
	hostname, port, _ := strings.Cut(host, ":")
	body := `{"id":"r1","request":{"scheme":"http","host":"` + hostname + `","port":` + port +
		`,"path":"/p","method":"GET","headers":[["x-test","v"]]},"response":{"body":"stale"}}`
	key := "http://" + hostname + "/p"
	_, err := f.gw.Create(ctx, key, []byte(body))
	require.NoError(t, err)

	rec, err := f.gw.Replay(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "fresh", gjson.GetBytes(rec.Payload, "response.body").String())
	assert.Equal(t, int64(http.StatusAccepted), gjson.GetBytes(rec.Payload, "response.status_code").Int())
	assert.Equal(t, "r1", rec.ID)

	_, err = f.gw.Replay(ctx, "http://nowhere.test/")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReplayUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(upstream.URL, "http://")
	upstream.Close()

	f := newFixture(t, false)
	ctx := context.Background()
	hostname, port, _ := strings.Cut(addr, ":")
	key := "http://" + hostname + "/p"
	_, err := f.gw.Create(ctx, key, []byte(`{"request":{"scheme":"http","host":"`+hostname+`","port":`+port+`,"path":"/p"}}`))
	require.NoError(t, err)

	_, err = f.gw.Replay(ctx, key)
	assert.ErrorIs(t, err, ErrUpstream)
}
