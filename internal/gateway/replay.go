package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"
)

// ErrUpstream 重放时上游请求失败
var ErrUpstream = errors.New("upstream request failed")

// maxReplayBody 重放响应体读取上限
const maxReplayBody = 32 << 20

// Replay 重新向上游发送记录中的请求，并把取得的响应写回记录
func (g *Gateway) Replay(ctx context.Context, key string) (*storage.MockRecord, error) {
	cur, err := g.store.Get(ctx, key)
	if err != nil {
		g.done("replay", key, err)
		return nil, err
	}
	req, err := traffic.RequestFromPayload(cur.Payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
		g.done("replay", key, err)
		return nil, err
	}

	res, err := g.roundTrip(ctx, req)
	if err != nil {
		g.done("replay", key, err)
		return nil, err
	}

	rec, err := g.store.Mutate(ctx, key, func(cur *storage.MockRecord) (*storage.MockRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		doc, err := traffic.SetResponse(cur.Payload, res)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		cur.Payload = doc
		return cur, nil
	})
	g.done("replay", key, err)
	if err != nil {
		return nil, err
	}
	g.log.Info("请求重放完成", "key", key, "status", res.StatusCode)
	g.publish(ctx, model.CommandUpdate, rec)
	return rec, nil
}

func (g *Gateway) roundTrip(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	for k, v := range req.Headers {
		switch k {
		case "host", "content-length", "connection", "accept-encoding":
			continue
		}
		hreq.Header.Set(k, v)
	}

	resp, err := g.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplayBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}

	res := traffic.NewResponse()
	res.StatusCode = resp.StatusCode
	for k := range resp.Header {
		res.Headers.Set(k, resp.Header.Get(k))
	}
	res.Body = data
	res.Finished = time.Now()
	return res, nil
}
