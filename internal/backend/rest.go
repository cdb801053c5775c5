package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 8 << 20

type restClient struct {
	base   *url.URL
	client *http.Client
	cfg    Config
}

// NewREST returns a driver that talks to the PostgREST endpoint under
// baseURL/rest/v1 using the service role key. When the context carries a
// Caller with an access token, that token is sent as the bearer instead so
// the database sees the end user.
func NewREST(baseURL string, opts ...Option) (Client, error) {
	cfg := newConfig(opts...)
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("backend url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("backend url must use http or https")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("service role key required")
	}
	if err := validateIdentifier("schema", cfg.Schema); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.CallTimeout}
	}
	return &restClient{base: parsed, client: client, cfg: cfg}, nil
}

func (c *restClient) Call(ctx context.Context, call Call, dest any) error {
	if err := call.validate(); err != nil {
		return err
	}
	params := call.Params
	if params == nil {
		params = Params{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode rpc %s params: %w", call.Function, err)
	}
	endpoint := c.endpoint("rpc/"+call.Function, nil)
	raw, err := c.do(ctx, "rpc "+call.Function, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if call.Set && (len(raw) == 0 || string(raw) == "null") {
		raw = []byte("[]")
	}
	return decodeResult(raw, dest)
}

func (c *restClient) Select(ctx context.Context, q Query, dest any) error {
	if err := q.validate(); err != nil {
		return err
	}
	endpoint := c.endpoint(q.Table, restQuery(q))
	raw, err := c.do(ctx, "select "+q.Table, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return decodeRows(raw, q, dest)
}

func (c *restClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, c.endpoint("", nil), nil)
	return err
}

func (c *restClient) Close(context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *restClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/rest/v1/" + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *restClient) do(ctx context.Context, op, method, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("apikey", c.cfg.ServiceKey)
	bearer := c.cfg.ServiceKey
	if caller, ok := CallerFromContext(ctx); ok && caller.AccessToken != "" {
		bearer = caller.AccessToken
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Schema != defaultSchema {
		req.Header.Set("Accept-Profile", c.cfg.Schema)
		if body != nil {
			req.Header.Set("Content-Profile", c.cfg.Schema)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	var dbErr Error
	if err := json.Unmarshal(raw, &dbErr); err == nil && dbErr.Message != "" {
		return nil, &dbErr
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return nil, &Error{Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
}

func restQuery(q Query) url.Values {
	values := url.Values{}
	values.Set("select", q.columnList())
	for _, filter := range q.Filters {
		values.Add(filter.Column, string(filter.Op)+"."+restValue(filter))
	}
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, order := range q.Order {
			direction := "asc"
			if order.Descending {
				direction = "desc"
			}
			parts = append(parts, order.Column+"."+direction)
		}
		values.Set("order", strings.Join(parts, ","))
	}
	if limit := q.effectiveLimit(); limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	return values
}

func restValue(filter Filter) string {
	switch filter.Op {
	case OpIs:
		switch value := filter.Value.(type) {
		case bool:
			return strconv.FormatBool(value)
		default:
			return "null"
		}
	case OpIn:
		items, _ := filter.Value.([]string)
		quoted := make([]string, 0, len(items))
		for _, item := range items {
			quoted = append(quoted, quoteListItem(item))
		}
		return "(" + strings.Join(quoted, ",") + ")"
	}
	return formatScalar(filter.Value)
}

func formatScalar(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func quoteListItem(item string) string {
	escaped := strings.ReplaceAll(item, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
