package queryexec

import (
	"context"
	"strings"

	"ideavault/backend/supabase"
)

// QueryResult carries the rows plus the count PostgREST reported.
type QueryResult struct {
	Rows     []map[string]interface{}
	RowCount int64
}

// Executor runs parsed statements through PostgREST.
type Executor struct {
	client *supabase.Client
}

// NewExecutor wraps a Supabase client.
func NewExecutor(client *supabase.Client) *Executor {
	return &Executor{client: client}
}

// Execute runs stmt as the identity behind accessToken. Row level
// security on the database decides what that identity may see; this
// layer never widens access, only narrows the statement shape.
func (e *Executor) Execute(ctx context.Context, stmt *SelectStatement, accessToken string) (*QueryResult, error) {
	qb := e.client.From(stmt.Table)

	if stmt.Count {
		// count(*) maps to a zero-row read with an exact count header.
		qb = qb.Select("id").Count().Limit(1)
	} else {
		if len(stmt.Columns) > 0 {
			qb = qb.Select(strings.Join(stmt.Columns, ","))
		}
		qb = qb.Limit(stmt.Limit)
	}

	for _, f := range stmt.Filters {
		qb = qb.Filter(f.Column, f.Operator, f.Value)
	}
	for _, k := range stmt.OrderBy {
		qb = qb.Order(k.Column, k.Descending)
	}

	result, err := qb.Execute(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if stmt.Count {
		return &QueryResult{
			Rows:     []map[string]interface{}{{"count": result.Count}},
			RowCount: 1,
		}, nil
	}
	return &QueryResult{Rows: result.Rows, RowCount: int64(len(result.Rows))}, nil
}

// Run parses and executes sql in one step.
func (e *Executor) Run(ctx context.Context, sql, accessToken string) (*QueryResult, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, stmt, accessToken)
}
