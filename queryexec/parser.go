// Package queryexec turns a validated SELECT statement into a PostgREST
// read and runs it under the caller's credentials.
//
// Only a narrow statement shape is supported: one table from a fixed
// whitelist, plain columns or count(*), AND-joined comparisons in the
// WHERE clause, ORDER BY, and LIMIT. Anything fancier returns
// ErrUnsupportedShape and the caller reports that the question cannot
// be answered with a simple query.
package queryexec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultLimit is applied when the statement carries no LIMIT clause.
const DefaultLimit = 50

// MaxLimit caps any requested LIMIT.
const MaxLimit = 50

// ErrUnsupportedShape means the statement is valid SQL but outside the
// narrow dialect this executor can translate.
var ErrUnsupportedShape = errors.New("queryexec: statement shape is not supported")

// ErrUnknownTable means the statement references a table outside the
// whitelist.
var ErrUnknownTable = errors.New("queryexec: table is not queryable")

// IsShapeError reports whether err is a statement problem rather than
// an execution failure. Shape errors are the model's fault and safe to
// surface to the user.
func IsShapeError(err error) bool {
	return errors.Is(err, ErrUnsupportedShape) || errors.Is(err, ErrUnknownTable)
}

// allowedTables is the fixed set of tables the agent may read. All of
// them carry row level security policies on the database side.
var allowedTables = map[string]bool{
	"ideas":    true,
	"votes":    true,
	"comments": true,
	"tags":     true,
}

// Filter is one WHERE comparison, already mapped to a PostgREST operator.
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// OrderKey is one ORDER BY key.
type OrderKey struct {
	Column     string
	Descending bool
}

// SelectStatement is the parsed form of a supported query.
type SelectStatement struct {
	Table   string
	Columns []string // empty means all columns
	Count   bool     // true for SELECT count(*)
	Filters []Filter
	OrderBy []OrderKey
	Limit   int
}

var (
	selectRegex = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s*(.*?)\s*;?\s*$`)
	whereRegex  = regexp.MustCompile(`(?is)\bWHERE\s+(.+?)(?:\s+ORDER\s+BY\b|\s+LIMIT\b|$)`)
	orderRegex  = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+?)(?:\s+LIMIT\b|$)`)
	limitRegex  = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	countRegex  = regexp.MustCompile(`(?i)^count\s*\(\s*\*\s*\)$`)
	identRegex  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	comparisonRegex = regexp.MustCompile(`(?i)^([a-zA-Z_][a-zA-Z0-9_]*)\s*(=|!=|<>|>=|<=|>|<|\bILIKE\b|\bLIKE\b)\s*(.+)$`)
	orTokenRegex    = regexp.MustCompile(`(?i)\bOR\b`)
	andSplitRegex   = regexp.MustCompile(`(?i)\s+AND\s+`)
)

// operators maps SQL comparison operators to PostgREST ones.
var operators = map[string]string{
	"=":     "eq",
	"!=":    "neq",
	"<>":    "neq",
	">":     "gt",
	">=":    "gte",
	"<":     "lt",
	"<=":    "lte",
	"like":  "like",
	"ilike": "ilike",
}

// Parse translates a SELECT statement into its PostgREST form.
func Parse(sql string) (*SelectStatement, error) {
	m := selectRegex.FindStringSubmatch(sql)
	if m == nil {
		return nil, ErrUnsupportedShape
	}
	columnsPart, table, rest := m[1], strings.ToLower(m[2]), m[3]

	if strings.Contains(table, ".") {
		return nil, ErrUnknownTable
	}
	if !allowedTables[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	stmt := &SelectStatement{Table: table, Limit: DefaultLimit}

	if err := parseColumns(stmt, columnsPart); err != nil {
		return nil, err
	}

	// Reject clauses we cannot translate before picking apart the rest.
	restUpper := strings.ToUpper(rest)
	for _, kw := range []string{"JOIN", "GROUP BY", "HAVING", "UNION", "OFFSET", "FOR UPDATE", "FOR SHARE"} {
		if strings.Contains(restUpper, kw) {
			return nil, ErrUnsupportedShape
		}
	}

	if m := whereRegex.FindStringSubmatch(rest); m != nil {
		if err := parseWhere(stmt, m[1]); err != nil {
			return nil, err
		}
	}

	if m := orderRegex.FindStringSubmatch(rest); m != nil {
		if err := parseOrderBy(stmt, m[1]); err != nil {
			return nil, err
		}
	}

	if m := limitRegex.FindStringSubmatch(rest); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, ErrUnsupportedShape
		}
		stmt.Limit = n
	}
	if stmt.Limit > MaxLimit {
		stmt.Limit = MaxLimit
	}

	return stmt, nil
}

func parseColumns(stmt *SelectStatement, columnsPart string) error {
	columnsPart = strings.TrimSpace(columnsPart)
	if columnsPart == "*" {
		return nil
	}
	if countRegex.MatchString(columnsPart) {
		stmt.Count = true
		return nil
	}
	for _, col := range strings.Split(columnsPart, ",") {
		col = strings.TrimSpace(col)
		if !identRegex.MatchString(col) {
			// Expressions, aliases, functions: out of scope.
			return ErrUnsupportedShape
		}
		stmt.Columns = append(stmt.Columns, strings.ToLower(col))
	}
	return nil
}

func parseWhere(stmt *SelectStatement, clause string) error {
	// Only AND-joined comparisons are supported. OR would need
	// PostgREST's or=() syntax and careful precedence handling.
	if orTokenRegex.MatchString(clause) {
		return ErrUnsupportedShape
	}
	for _, cond := range andSplitRegex.Split(clause, -1) {
		cond = strings.TrimSpace(cond)
		m := comparisonRegex.FindStringSubmatch(cond)
		if m == nil {
			return ErrUnsupportedShape
		}
		op, ok := operators[strings.ToLower(strings.TrimSpace(m[2]))]
		if !ok {
			return ErrUnsupportedShape
		}
		value, err := parseLiteral(m[3])
		if err != nil {
			return err
		}
		stmt.Filters = append(stmt.Filters, Filter{
			Column:   strings.ToLower(m[1]),
			Operator: op,
			Value:    value,
		})
	}
	return nil
}

// parseLiteral unquotes a string literal or accepts a bare numeric or
// boolean token. Column references on the right-hand side are not
// supported.
func parseLiteral(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		inner := raw[1 : len(raw)-1]
		// A quote inside the body means either an escaped quote or a
		// second literal; both are out of scope.
		if strings.Contains(inner, "'") {
			return "", ErrUnsupportedShape
		}
		return inner, nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return raw, nil
	}
	switch strings.ToLower(raw) {
	case "true", "false":
		return strings.ToLower(raw), nil
	}
	return "", ErrUnsupportedShape
}

func parseOrderBy(stmt *SelectStatement, clause string) error {
	for _, key := range strings.Split(clause, ",") {
		fields := strings.Fields(strings.TrimSpace(key))
		if len(fields) == 0 || len(fields) > 2 || !identRegex.MatchString(fields[0]) {
			return ErrUnsupportedShape
		}
		k := OrderKey{Column: strings.ToLower(fields[0])}
		if len(fields) == 2 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				k.Descending = true
			default:
				return ErrUnsupportedShape
			}
		}
		stmt.OrderBy = append(stmt.OrderBy, k)
	}
	return nil
}
