package rules

import (
	"testing"

	"softmock/internal/config"
	"softmock/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideDefaultsToCapture(t *testing.T) {
	var nilEngine *Engine
	assert.Equal(t, model.RuleActionCapture, nilEngine.Decide(EvalContext{URL: "http://a.com"}))

	e := New(model.RuleSet{})
	assert.Equal(t, model.RuleActionCapture, e.Decide(EvalContext{URL: "http://a.com"}))
}

func TestSkipStaticAssets(t *testing.T) {
	rs := FromConfig([]config.CaptureRule{
		{ID: "static", Action: "skip", AnyOf: []config.CaptureCondition{
			{Type: "resource_type", Values: []string{"Image", "Stylesheet", "Font"}},
			{Type: "url", Mode: "regex", Pattern: `\.(png|css|woff2?)(\?|$)`},
		}},
	})
	e := New(rs)

	assert.Equal(t, model.RuleActionSkip, e.Decide(EvalContext{URL: "http://a.com/x.png", ResourceType: "Image"}))
	assert.Equal(t, model.RuleActionSkip, e.Decide(EvalContext{URL: "http://a.com/site.css?v=1"}))
	assert.Equal(t, model.RuleActionCapture, e.Decide(EvalContext{URL: "http://a.com/api", ResourceType: "XHR"}))

	st := e.Stats()
	assert.EqualValues(t, 3, st.Total)
	assert.EqualValues(t, 2, st.Skipped)
	assert.EqualValues(t, 1, st.Captured)
	assert.EqualValues(t, 2, st.ByRule["static"])
}

func TestPriorityAndShortCircuit(t *testing.T) {
	rs := model.RuleSet{Rules: []model.Rule{
		{ID: "low", Priority: 1, Action: model.RuleActionSkip, Match: model.Match{AllOf: []model.Condition{{Type: "url", Mode: "prefix", Pattern: "http://a.com"}}}},
		{ID: "high", Priority: 5, Action: model.RuleActionCapture, Match: model.Match{AllOf: []model.Condition{{Type: "method", Values: []string{"post"}}}}},
	}}
	e := New(rs)
	res := e.Eval(EvalContext{URL: "http://a.com/x", Method: "POST"})
	require.NotNil(t, res)
	assert.Equal(t, model.RuleID("high"), res.RuleID)

	rs.Rules[0].Mode = "short_circuit"
	e.Update(rs)
	res = e.Eval(EvalContext{URL: "http://a.com/x", Method: "POST"})
	require.NotNil(t, res)
	assert.Equal(t, model.RuleID("low"), res.RuleID)
	assert.EqualValues(t, 1, e.Stats().Total)
}

func TestConditions(t *testing.T) {
	ctx := EvalContext{
		URL:         "https://api.a.com/v1/items?page=2",
		Method:      "GET",
		Headers:     map[string]string{"x-env": "staging"},
		Query:       map[string]string{"page": "2"},
		Cookies:     map[string]string{"session": "abc123"},
		Body:        `{"user":{"name":"kim","roles":["admin"]}}`,
		ContentType: "application/json; charset=utf-8",
	}
	cases := []struct {
		name string
		c    model.Condition
		want bool
	}{
		{"url glob", model.Condition{Type: "url", Pattern: "https://api.a.com/*"}, true},
		{"url contains", model.Condition{Type: "url", Mode: "contains", Pattern: "/v1/"}, true},
		{"url exact miss", model.Condition{Type: "url", Mode: "exact", Pattern: "https://api.a.com/"}, false},
		{"bad regex", model.Condition{Type: "url", Mode: "regex", Pattern: "("}, false},
		{"header equals", model.Condition{Type: "header", Key: "x-env", Op: "equals", Value: "staging"}, true},
		{"header missing", model.Condition{Type: "header", Key: "x-none"}, false},
		{"query regex", model.Condition{Type: "query", Key: "page", Op: "regex", Value: `^\d+$`}, true},
		{"cookie prefix", model.Condition{Type: "cookie", Key: "session", Op: "prefix", Value: "abc"}, true},
		{"text contains", model.Condition{Type: "text", Op: "contains", Value: "kim"}, true},
		{"json path", model.Condition{Type: "json", Path: "user.roles.0", Op: "equals", Value: "admin"}, true},
		{"json path missing", model.Condition{Type: "json", Path: "user.age"}, false},
		{"content type", model.Condition{Type: "content_type", Op: "contains", Value: "json"}, true},
		{"unknown type", model.Condition{Type: "nope"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cond(ctx, tc.c))
		})
	}
}

func TestNoneOf(t *testing.T) {
	m := model.Match{NoneOf: []model.Condition{{Type: "method", Values: []string{"OPTIONS"}}}}
	assert.True(t, matchRule(EvalContext{Method: "GET"}, m))
	assert.False(t, matchRule(EvalContext{Method: "OPTIONS"}, m))
}

func TestPeekAndMockedStats(t *testing.T) {
	e := New(model.RuleSet{Rules: []model.Rule{{ID: "skip-all", Action: model.RuleActionSkip}}})
	assert.Equal(t, model.RuleActionSkip, e.Peek(EvalContext{URL: "http://a.com"}))
	assert.EqualValues(t, 0, e.Stats().Total)

	e.RecordMocked()
	assert.EqualValues(t, 1, e.Stats().Mocked)

	e.Update(model.RuleSet{})
	assert.EqualValues(t, 0, e.Stats().Mocked)
}
