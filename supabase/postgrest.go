// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// QueryBuilder assembles a single PostgREST read. Calls chain; Execute
// sends the request with the caller's bearer token so row level security
// applies to that identity, not the service role.
type QueryBuilder struct {
	client   *Client
	table    string
	selects  string
	filters  []string
	order    []string
	limit    int
	countRow bool
	err      error
}

// From starts a query against a table exposed through PostgREST.
func (c *Client) From(table string) *QueryBuilder {
	qb := &QueryBuilder{client: c, table: table, selects: "*", limit: -1}
	if table == "" {
		qb.err = fmt.Errorf("postgrest: table name is required")
	}
	return qb
}

// Select sets the column list, e.g. "id,title,created_at". Defaults to "*".
func (qb *QueryBuilder) Select(columns string) *QueryBuilder {
	if columns != "" {
		qb.selects = columns
	}
	return qb
}

// Filter adds a column filter with a raw PostgREST operator (eq, neq,
// gt, gte, lt, lte, like, ilike, is, in).
func (qb *QueryBuilder) Filter(column, operator string, value string) *QueryBuilder {
	qb.filters = append(qb.filters, fmt.Sprintf("%s=%s.%s", url.QueryEscape(column), operator, url.QueryEscape(value)))
	return qb
}

// Eq adds an equality filter.
func (qb *QueryBuilder) Eq(column, value string) *QueryBuilder {
	return qb.Filter(column, "eq", value)
}

// Order appends a sort key. Keys accumulate in call order.
func (qb *QueryBuilder) Order(column string, descending bool) *QueryBuilder {
	dir := "asc"
	if descending {
		dir = "desc"
	}
	qb.order = append(qb.order, fmt.Sprintf("%s.%s", column, dir))
	return qb
}

// Limit caps the number of rows returned.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.limit = n
	return qb
}

// Count asks PostgREST for an exact row count alongside the rows.
func (qb *QueryBuilder) Count() *QueryBuilder {
	qb.countRow = true
	return qb
}

// Result holds the rows and, when requested, the exact count.
type Result struct {
	Rows  []map[string]interface{}
	Count int64
}

// Execute runs the query as the identity behind accessToken.
func (qb *QueryBuilder) Execute(ctx context.Context, accessToken string) (*Result, error) {
	if qb.err != nil {
		return nil, qb.err
	}
	if accessToken == "" {
		return nil, fmt.Errorf("postgrest: access token is required")
	}

	endpoint := qb.client.baseURL + "/rest/v1/" + url.PathEscape(qb.table) + "?" + qb.encodeQuery()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	qb.client.setAuthHeaders(req, accessToken)
	if qb.countRow {
		req.Header.Set("Prefer", "count=exact")
	}

	// Reads are idempotent, so a transport failure or 5xx earns one
	// retry before the error surfaces.
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = qb.client.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			break
		}
		if attempt >= 1 {
			if err != nil {
				return nil, fmt.Errorf("postgrest query: %w", err)
			}
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, qb.client.parseAPIError(resp)
	}

	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := &Result{Rows: rows, Count: int64(len(rows))}
	if qb.countRow {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			result.Count = total
		}
	}
	return result, nil
}

func (qb *QueryBuilder) encodeQuery() string {
	params := []string{"select=" + url.QueryEscape(qb.selects)}
	params = append(params, qb.filters...)
	if len(qb.order) > 0 {
		params = append(params, "order="+url.QueryEscape(strings.Join(qb.order, ",")))
	}
	if qb.limit >= 0 {
		params = append(params, "limit="+strconv.Itoa(qb.limit))
	}
	return strings.Join(params, "&")
}

// parseContentRangeTotal extracts the total from a PostgREST
// Content-Range header such as "0-24/3573" or "*/0".
func parseContentRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
