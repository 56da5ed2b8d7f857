package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/master"
	"github.com/linkflow/middleware"
)

// Client talks to the admin API of a master.
type Client struct {
	base      string
	http      *http.Client
	marshaler Marshaler
}

// NewClient returns a client of the gateway at addr, given as host:port or
// as a URL.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), http: hc, marshaler: defaultMarshaler}
}

func queryPath(id middleware.SubQueryID) string {
	return "/api/v1/queries/" + strconv.FormatInt(id.QueryID, 10) + "/" + strconv.FormatInt(id.SubQueryIndex, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := c.marshaler.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return &HTTPStatusError{HTTPStatus: resp.StatusCode, Err: errors.Newf("%s %s: %s", method, path, resp.Status)}
		}
		return errorFromBody(resp.StatusCode, eb)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(c.marshaler.NewDecoder(resp.Body).Decode(out), "decode response of %s %s", method, path)
}

// Submit sends an encoded query. With wait it returns once the query finished.
func (c *Client) Submit(ctx context.Context, query []byte, wait bool) (*master.QueryStatus, error) {
	path := "/api/v1/queries"
	if wait {
		path += "?wait=true"
	}
	st := &master.QueryStatus{}
	if err := c.do(ctx, http.MethodPost, path, query, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) Status(ctx context.Context, id middleware.SubQueryID) (*master.QueryStatus, error) {
	st := &master.QueryStatus{}
	if err := c.do(ctx, http.MethodGet, queryPath(id), nil, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) Kill(ctx context.Context, id middleware.SubQueryID) error {
	return c.do(ctx, http.MethodDelete, queryPath(id), nil, nil)
}

func (c *Client) Pause(ctx context.Context, id middleware.SubQueryID) error {
	return c.do(ctx, http.MethodPost, queryPath(id)+"/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context, id middleware.SubQueryID) error {
	return c.do(ctx, http.MethodPost, queryPath(id)+"/resume", nil, nil)
}

func (c *Client) History(ctx context.Context) ([]*master.QueryStatus, error) {
	var statuses []*master.QueryStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/queries", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) Workers(ctx context.Context) ([]master.WorkerInfo, error) {
	var workers []master.WorkerInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}
