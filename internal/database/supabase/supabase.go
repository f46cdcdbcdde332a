// Package supabase implements the database adapter against a hosted
// PostgREST endpoint. The clause set compiles to the PostgREST filter
// dialect (eq./neq./lt./is./in.(...)); this is the only place where the
// decorated-string filter form crosses a process boundary.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

// Config holds the REST endpoint and service key.
type Config struct {
	// BaseURL is the project root, e.g. https://abc.supabase.co.
	BaseURL string
	// APIKey is the service-role key sent as apikey and bearer token.
	APIKey string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// Adapter implements database.Adapter over PostgREST.
type Adapter struct {
	restURL string
	key     string
	httpc   *http.Client
	log     *logger.Logger
}

// New builds the adapter. No connection is made until the first call.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, apperr.Fatal.New("supabase adapter requires base url and api key")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, apperr.Fatal.New("invalid supabase base url: %v", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		restURL: strings.TrimSuffix(base.String(), "/") + "/rest/v1",
		key:     cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
		log:     log.WithComponent("supabase"),
	}, nil
}

// FindOne implements database.Adapter.
func (a *Adapter) FindOne(ctx context.Context, table string, q database.Query) (database.Row, error) {
	rows, err := a.FindMany(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound.New("%s: no matching row", table)
	}
	return rows[0], nil
}

// FindMany implements database.Adapter.
func (a *Adapter) FindMany(ctx context.Context, table string, q database.Query) ([]database.Row, error) {
	params, empty, err := encodeQuery(q, true)
	if err != nil {
		return nil, err
	}
	if empty {
		return []database.Row{}, nil
	}
	body, _, err := a.do(ctx, http.MethodGet, table, params, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// Insert implements database.Adapter.
func (a *Adapter) Insert(ctx context.Context, table string, values database.Row) (database.Row, error) {
	if len(values) == 0 {
		return nil, apperr.Validation.New("insert into %s with no values", table)
	}
	body, _, err := a.do(ctx, http.MethodPost, table, nil, []database.Row{values}, "return=representation")
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.Transient.New("%s: insert returned no representation", table)
	}
	return rows[0], nil
}

// Update implements database.Adapter.
func (a *Adapter) Update(ctx context.Context, table string, q database.Query, values database.Row) (int64, error) {
	if len(values) == 0 {
		return 0, apperr.Validation.New("update %s with no values", table)
	}
	params, empty, err := encodeQuery(q, false)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, nil
	}
	body, _, err := a.do(ctx, http.MethodPatch, table, params, values, "return=representation")
	if err != nil {
		return 0, err
	}
	rows, err := decodeRows(body)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Delete implements database.Adapter.
func (a *Adapter) Delete(ctx context.Context, table string, q database.Query) (int64, error) {
	params, empty, err := encodeQuery(q, false)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, nil
	}
	body, _, err := a.do(ctx, http.MethodDelete, table, params, nil, "return=representation")
	if err != nil {
		return 0, err
	}
	rows, err := decodeRows(body)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Count implements database.Adapter. PostgREST reports the exact total in
// the Content-Range trailer when asked for count=exact.
func (a *Adapter) Count(ctx context.Context, table string, q database.Query) (int64, error) {
	params, empty, err := encodeQuery(q, false)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, nil
	}
	params.Set("select", "*")
	params.Set("limit", "1")
	_, header, err := a.do(ctx, http.MethodGet, table, params, nil, "count=exact")
	if err != nil {
		return 0, err
	}
	return parseContentRangeTotal(header.Get("Content-Range"))
}

// Ping verifies the endpoint answers with the service key.
func (a *Adapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+"/", nil)
	if err != nil {
		return apperr.Fatal.Wrap(err)
	}
	a.setHeaders(req, "")
	resp, err := a.httpc.Do(req)
	if err != nil {
		return apperr.Transient.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperr.Transient.New("supabase ping: status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.Fatal.New("supabase ping: rejected key (status %d)", resp.StatusCode)
	}
	return nil
}

// Close implements database.Adapter. HTTP clients hold no pool worth
// closing.
func (a *Adapter) Close() error {
	a.httpc.CloseIdleConnections()
	return nil
}

func (a *Adapter) setHeaders(req *http.Request, prefer string) {
	req.Header.Set("apikey", a.key)
	req.Header.Set("Authorization", "Bearer "+a.key)
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if req.Method == http.MethodPost || req.Method == http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}
}

// do executes one REST call and returns the response body and headers.
// Non-2xx statuses are normalized into apperr classes.
func (a *Adapter) do(ctx context.Context, method, table string, params url.Values, payload any, prefer string) ([]byte, http.Header, error) {
	endpoint := a.restURL + "/" + table
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, apperr.Validation.Wrap(err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, nil, apperr.Fatal.Wrap(err)
	}
	a.setHeaders(req, prefer)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, nil, apperr.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, apperr.Transient.Wrap(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.Header, nil
	}
	return nil, nil, statusError(resp.StatusCode, table, body)
}

// statusError maps a PostgREST failure status to an error class.
func statusError(status int, table string, body []byte) error {
	msg := restMessage(body)
	switch {
	case status == http.StatusConflict:
		return apperr.Conflict.New("%s: %s", table, msg)
	case status == http.StatusNotFound || status == http.StatusNotAcceptable:
		return apperr.NotFound.New("%s: %s", table, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Unauthorized.New("%s: %s", table, msg)
	case status >= 500:
		return apperr.Transient.New("%s: status %d: %s", table, status, msg)
	default:
		return apperr.Validation.New("%s: status %d: %s", table, status, msg)
	}
}

func restMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Code != "" {
			return e.Code + " " + e.Message
		}
		return e.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func decodeRows(body []byte) ([]database.Row, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []database.Row{}, nil
	}
	var rows []database.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		// Single-object responses appear when Accept switches mode.
		var row database.Row
		if err2 := json.Unmarshal(body, &row); err2 == nil {
			return []database.Row{row}, nil
		}
		return nil, apperr.Transient.New("decode response: %v", err)
	}
	return rows, nil
}

// parseContentRangeTotal extracts the total from "0-0/42" or "*/0".
func parseContentRangeTotal(value string) (int64, error) {
	idx := strings.LastIndex(value, "/")
	if idx < 0 || idx == len(value)-1 {
		return 0, apperr.Transient.New("missing content-range total in %q", value)
	}
	total := value[idx+1:]
	if total == "*" {
		return 0, apperr.Transient.New("indeterminate content-range %q", value)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, apperr.Transient.New("bad content-range %q", value)
	}
	return n, nil
}

// encodeQuery renders the builder into PostgREST params. include controls
// whether projection/order/limit appear (mutating verbs take filters only).
// The second return is true when an empty IN list makes the query match
// nothing, which callers resolve locally instead of on the wire.
func encodeQuery(q database.Query, include bool) (url.Values, bool, error) {
	if q.FilterErr != nil {
		return nil, false, q.FilterErr
	}
	params := url.Values{}

	for _, c := range q.Filters {
		expr, skip, err := encodeClause(c)
		if err != nil {
			return nil, false, err
		}
		if skip {
			return nil, true, nil
		}
		params.Add(c.Column, expr)
	}

	if include {
		if len(q.SelectCols) > 0 {
			params.Set("select", strings.Join(q.SelectCols, ","))
		}
		if len(q.Ordering) > 0 {
			terms := make([]string, len(q.Ordering))
			for i, o := range q.Ordering {
				dir := "asc"
				if o.Dir == database.Desc {
					dir = "desc"
				}
				terms[i] = o.Column + "." + dir
			}
			params.Set("order", strings.Join(terms, ","))
		}
		if q.RowLimit > 0 {
			params.Set("limit", strconv.Itoa(q.RowLimit))
		}
		if q.RowOffset > 0 {
			params.Set("offset", strconv.Itoa(q.RowOffset))
		}
	}
	return params, false, nil
}

// encodeClause renders one clause into a PostgREST operator expression.
func encodeClause(c database.Clause) (string, bool, error) {
	switch c.Op {
	case database.OpEq:
		if c.Value == nil {
			return "is.null", false, nil
		}
		return "eq." + literal(c.Value), false, nil
	case database.OpNeq:
		if c.Value == nil {
			return "not.is.null", false, nil
		}
		return "neq." + literal(c.Value), false, nil
	case database.OpLt:
		return "lt." + literal(c.Value), false, nil
	case database.OpGt:
		return "gt." + literal(c.Value), false, nil
	case database.OpLte:
		return "lte." + literal(c.Value), false, nil
	case database.OpGte:
		return "gte." + literal(c.Value), false, nil
	case database.OpIs:
		lit, err := isLiteral(c.Value)
		if err != nil {
			return "", false, err
		}
		return "is." + lit, false, nil
	case database.OpIsNot:
		lit, err := isLiteral(c.Value)
		if err != nil {
			return "", false, err
		}
		return "not.is." + lit, false, nil
	case database.OpLike:
		return "like." + likePattern(c.Value), false, nil
	case database.OpILike:
		return "ilike." + likePattern(c.Value), false, nil
	case database.OpIn:
		items, err := inLiterals(c.Value)
		if err != nil {
			return "", false, err
		}
		if len(items) == 0 {
			return "", true, nil
		}
		return "in.(" + strings.Join(items, ",") + ")", false, nil
	default:
		return "", false, apperr.Validation.New("unsupported operator %v", c.Op)
	}
}

func isLiteral(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", apperr.Validation.New("IS operand must be nil or bool, got %T", v)
	}
}

// likePattern translates SQL wildcards to the * form PostgREST expects.
func likePattern(v any) string {
	return strings.ReplaceAll(literal(v), "%", "*")
}

// literal renders a filter operand. Strings pass through (URL encoding is
// applied by url.Values); times use RFC 3339 so postgres parses them.
func literal(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// inLiterals renders IN members; strings are double-quoted so commas in
// values survive the list syntax.
func inLiterals(v any) ([]string, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]string, len(items))
		for i, s := range items {
			out[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
		}
		return out, nil
	case []int:
		out := make([]string, len(items))
		for i, n := range items {
			out[i] = strconv.Itoa(n)
		}
		return out, nil
	case []int64:
		out := make([]string, len(items))
		for i, n := range items {
			out[i] = strconv.FormatInt(n, 10)
		}
		return out, nil
	case []any:
		out := make([]string, len(items))
		for i, item := range items {
			if s, ok := item.(string); ok {
				out[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
			} else {
				out[i] = literal(item)
			}
		}
		return out, nil
	default:
		return nil, apperr.Validation.New("IN operand must be a slice, got %T", v)
	}
}
