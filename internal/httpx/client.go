// Package httpx is a small JSON-RPC over HTTP client used where a full
// ethclient is too heavy, such as probing a node that is still booting.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/version"
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	nextID     atomic.Uint64
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.CLIName + "/" + version.CLIVersion,
	}
}

// RPCError is an error object returned by the node itself. It is never retried.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method on the endpoint at url and decodes the result into out.
// Transport failures and 429/5xx answers are retried with jittered backoff.
func (c *Client) Call(ctx context.Context, url, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode rpc request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return clierr.Wrap(clierr.CodeUnavailable, "rpc call cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
		buf, retry, err := c.post(ctx, url, body)
		if err != nil {
			lastErr = err
			if retry {
				continue
			}
			return err
		}
		return decode(method, buf, out)
	}
	if lastErr != nil {
		return lastErr
	}
	return clierr.New(clierr.CodeUnavailable, "rpc call failed")
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, clierr.Wrap(clierr.CodeInternal, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, mapNetError(err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, clierr.Wrap(clierr.CodeUnavailable, "read rpc response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, true, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("rpc endpoint unavailable (status %d)", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, clierr.New(clierr.CodeRPC, fmt.Sprintf("rpc endpoint returned status %d", resp.StatusCode))
	}
	return buf, false, nil
}

func decode(method string, buf []byte, out any) error {
	if len(bytes.TrimSpace(buf)) == 0 {
		return clierr.New(clierr.CodeRPC, method+": empty rpc response")
	}
	var resp response
	if err := json.Unmarshal(buf, &resp); err != nil {
		return clierr.Wrap(clierr.CodeRPC, method+": decode rpc response", err)
	}
	if resp.Error != nil {
		return clierr.Wrap(clierr.CodeRPC, method, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return clierr.New(clierr.CodeRPC, method+": empty result")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return clierr.Wrap(clierr.CodeRPC, method+": decode result", err)
	}
	return nil
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "rpc endpoint timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "rpc endpoint unreachable", err)
}

func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond << uint(attempt-1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d + time.Duration(rand.Intn(50))*time.Millisecond
}
