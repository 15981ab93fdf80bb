package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"

	"softmock/internal/rules"
	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeFetch struct {
	mu         sync.Mutex
	continued  []fetch.RequestID
	responded  []fetch.RequestID
	fulfilled  []*fetch.FulfillRequestArgs
	body       string
	bodyErr    error
	fulfillErr error
}

func (f *fakeFetch) ContinueRequest(_ context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args.RequestID)
	return nil
}

func (f *fakeFetch) ContinueResponse(_ context.Context, args *fetch.ContinueResponseArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, args.RequestID)
	return nil
}

func (f *fakeFetch) FulfillRequest(_ context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fulfillErr != nil {
		return f.fulfillErr
	}
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

func (f *fakeFetch) GetResponseBody(context.Context, *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error) {
	if f.bodyErr != nil {
		return nil, f.bodyErr
	}
	return &fetch.GetResponseBodyReply{Body: base64.StdEncoding.EncodeToString([]byte(f.body)), Base64Encoded: true}, nil
}

type fakeIngest struct {
	mu     sync.Mutex
	events []*model.IngestEvent
}

func (f *fakeIngest) Handle(_ context.Context, source string, ev *model.IngestEvent) (*model.IngestEvent, error) {
	if source != SourceCDP {
		return nil, fmt.Errorf("unexpected source %s", source)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return ev, nil
}

type fakeMocks map[string]*storage.MockRecord

func (f fakeMocks) Get(_ context.Context, key string) (*storage.MockRecord, error) {
	if r, ok := f[key]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
}

func newTestSession(ff *fakeFetch) *targetSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &targetSession{id: "t1", fetch: ff, ctx: ctx, cancel: cancel}
}

func requestEvent(rawURL string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID:    "req-1",
		Request:      network.Request{URL: rawURL, Method: "GET", Headers: network.Headers(`{"Accept":"*/*"}`)},
		ResourceType: network.ResourceType("XHR"),
	}
}

func responseEvent(rawURL string, code int) *fetch.RequestPausedReply {
	ev := requestEvent(rawURL)
	ev.ResponseStatusCode = &code
	ev.ResponseHeaders = []fetch.HeaderEntry{{Name: "Content-Type", Value: "application/json"}}
	return ev
}

func TestRequestStageCaptures(t *testing.T) {
	ff, ing := &fakeFetch{}, &fakeIngest{}
	m := New(Options{}, ing, nil, rules.New(model.RuleSet{}), nil)

	m.handle(newTestSession(ff), requestEvent("https://a.com/api/items?x=1"))

	assert.Equal(t, []fetch.RequestID{"req-1"}, ff.continued)
	require.Len(t, ing.events, 1)
	ev := ing.events[0]
	assert.Equal(t, model.CommandCreate, ev.Command)
	assert.True(t, ev.IsFlow())
	key, err := traffic.KeyFromPayload(ev.Data)
	require.NoError(t, err)
	assert.Equal(t, traffic.CanonicalKey("https", "a.com", "/api/items?x=1"), key)
	assert.False(t, gjson.GetBytes(ev.Data, "response").Exists())
	assert.EqualValues(t, 1, m.Stats().Captured)
}

func TestResponseStageRecordsBody(t *testing.T) {
	ff, ing := &fakeFetch{body: `{"ok":true}`}, &fakeIngest{}
	m := New(Options{}, ing, nil, nil, nil)

	m.handle(newTestSession(ff), responseEvent("https://a.com/api/items", 201))

	assert.Equal(t, []fetch.RequestID{"req-1"}, ff.responded)
	assert.Empty(t, ff.continued)
	require.Len(t, ing.events, 1)
	ev := ing.events[0]
	assert.Equal(t, model.CommandUpdate, ev.Command)
	assert.EqualValues(t, 201, gjson.GetBytes(ev.Data, "response.status_code").Int())
	assert.Equal(t, `{"ok":true}`, gjson.GetBytes(ev.Data, "response.body").String())
}

func TestResponseBodyFailureStillRecords(t *testing.T) {
	ff, ing := &fakeFetch{bodyErr: errors.New("no body")}, &fakeIngest{}
	m := New(Options{}, ing, nil, nil, nil)

	m.handle(newTestSession(ff), responseEvent("https://a.com/redirect", 302))

	require.Len(t, ing.events, 1)
	assert.Equal(t, "", gjson.GetBytes(ing.events[0].Data, "response.body").String())
	assert.Len(t, ff.responded, 1)
}

func TestSkipRuleOnlyContinues(t *testing.T) {
	ff, ing := &fakeFetch{}, &fakeIngest{}
	engine := rules.New(model.RuleSet{Rules: []model.Rule{{
		ID:     "static",
		Action: model.RuleActionSkip,
		Match:  model.Match{AnyOf: []model.Condition{{Type: "url", Mode: "contains", Pattern: ".png"}}},
	}}})
	m := New(Options{}, ing, nil, engine, nil)
	ts := newTestSession(ff)

	m.handle(ts, requestEvent("https://a.com/logo.png"))
	m.handle(ts, responseEvent("https://a.com/logo.png", 200))

	assert.Empty(t, ing.events)
	assert.Len(t, ff.continued, 1)
	assert.Len(t, ff.responded, 1)
	assert.EqualValues(t, 1, engine.Stats().Skipped)
}

func TestServeMocks(t *testing.T) {
	key := traffic.CanonicalKey("https", "a.com", "/api/user")
	mocks := fakeMocks{key: {
		ID:      "m1",
		Key:     key,
		Enabled: true,
		Payload: []byte(`{"id":"m1","response":{"status_code":200,"headers":[["content-type","application/json"]],"body":"{\"name\":\"mock\"}"}}`),
	}}
	ff, ing := &fakeFetch{}, &fakeIngest{}
	engine := rules.New(model.RuleSet{})
	m := New(Options{ServeMocks: true}, ing, mocks, engine, nil)

	m.handle(newTestSession(ff), requestEvent("https://a.com/api/user"))

	require.Len(t, ff.fulfilled, 1)
	assert.Equal(t, `{"name":"mock"}`, string(ff.fulfilled[0].Body))
	assert.Empty(t, ff.continued)
	assert.Empty(t, ing.events)
	assert.EqualValues(t, 1, engine.Stats().Mocked)
}

func TestDisabledMockFallsThrough(t *testing.T) {
	key := traffic.CanonicalKey("https", "a.com", "/api/user")
	mocks := fakeMocks{key: {ID: "m1", Key: key, Enabled: false, Payload: []byte(`{"response":{"body":"x"}}`)}}
	ff, ing := &fakeFetch{}, &fakeIngest{}
	m := New(Options{ServeMocks: true}, ing, mocks, nil, nil)

	m.handle(newTestSession(ff), requestEvent("https://a.com/api/user"))

	assert.Empty(t, ff.fulfilled)
	assert.Len(t, ff.continued, 1)
	assert.Len(t, ing.events, 1)
}

func TestFulfillFailureContinues(t *testing.T) {
	key := traffic.CanonicalKey("https", "a.com", "/")
	mocks := fakeMocks{key: {ID: "m1", Key: key, Enabled: true, Payload: []byte(`{"response":{"body":"x"}}`)}}
	ff := &fakeFetch{fulfillErr: errors.New("target closed")}
	m := New(Options{ServeMocks: true}, &fakeIngest{}, mocks, nil, nil)

	m.handle(newTestSession(ff), requestEvent("https://a.com/"))

	assert.Len(t, ff.continued, 1)
}

func TestDispatchDegradesWhenQueueFull(t *testing.T) {
	ff := &fakeFetch{}
	m := New(Options{}, &fakeIngest{}, nil, nil, nil)
	m.pool = newWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	m.pool.submit(func() {
		close(started)
		<-release
	})
	<-started
	m.pool.submit(func() {})

	m.dispatchPaused(newTestSession(ff), responseEvent("https://a.com/x", 200))

	assert.Equal(t, []fetch.RequestID{"req-1"}, ff.responded)
	close(release)
	m.pool.stop()
}

func TestSelectTarget(t *testing.T) {
	targets := []*devtool.Target{
		{ID: "w1", Type: devtool.Type("service_worker")},
		{ID: "p1", Type: devtool.Page},
		{ID: "p2", Type: devtool.Page},
	}
	assert.Equal(t, "p1", selectTarget(targets, "").ID)
	assert.Equal(t, "p2", selectTarget(targets, "p2").ID)
	assert.Nil(t, selectTarget(targets, "nope"))
}
