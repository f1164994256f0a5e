package sqlguard

import (
	"regexp"
)

// Category classifies why a pattern rejects a statement.
type Category string

const (
	CategoryWrite        Category = "write"
	CategoryDDL          Category = "ddl"
	CategoryMultiStmt    Category = "multi_statement"
	CategoryPrivilege    Category = "privilege"
	CategorySystemAccess Category = "system_access"
	CategoryObfuscation  Category = "obfuscation"
)

// Pattern rejects statements matching a known-dangerous shape.
type Pattern struct {
	// Name is a human-readable identifier for the pattern.
	Name string

	// Category classifies the rejection.
	Category Category

	// Regex is the compiled regular expression.
	Regex *regexp.Regexp

	// Description explains what this pattern rejects.
	Description string

	// Severity indicates the risk level (1-10).
	Severity int
}

// PatternSet holds a collection of rejection patterns.
type PatternSet struct {
	patterns []*Pattern
}

// NewPatternSet creates a pattern set with the default rejection patterns.
func NewPatternSet() *PatternSet {
	return &PatternSet{patterns: defaultPatterns()}
}

// Patterns returns all patterns in the set.
func (ps *PatternSet) Patterns() []*Pattern {
	return ps.patterns
}

// PatternsByCategory returns patterns filtered by category.
func (ps *PatternSet) PatternsByCategory(category Category) []*Pattern {
	var result []*Pattern
	for _, p := range ps.patterns {
		if p.Category == category {
			result = append(result, p)
		}
	}
	return result
}

// defaultPatterns returns the built-in rejection patterns. They run
// against statements that already passed the SELECT-only prefix check,
// so they target keywords smuggled into subclauses. Write and DDL
// keywords reject as bare words wherever they appear, even inside a
// string literal; a false positive costs one rephrased question, a
// false negative costs data.
func defaultPatterns() []*Pattern {
	return []*Pattern{
		// Write statements
		{
			Name:        "insert_statement",
			Category:    CategoryWrite,
			Regex:       regexp.MustCompile(`(?i)\bINSERT\b`),
			Description: "Rejects INSERT anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "update_statement",
			Category:    CategoryWrite,
			Regex:       regexp.MustCompile(`(?i)\bUPDATE\b`),
			Description: "Rejects UPDATE anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "delete_statement",
			Category:    CategoryWrite,
			Regex:       regexp.MustCompile(`(?i)\bDELETE\b`),
			Description: "Rejects DELETE anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "select_into",
			Category:    CategoryWrite,
			Regex:       regexp.MustCompile(`(?i)\bSELECT\b[^;]*\bINTO\s+(TEMP\s+|TEMPORARY\s+)?\w`),
			Description: "Rejects SELECT INTO which creates a table",
			Severity:    9,
		},
		{
			Name:        "upsert_conflict",
			Category:    CategoryWrite,
			Regex:       regexp.MustCompile(`(?i)\bON\s+CONFLICT\b`),
			Description: "Rejects upsert clauses",
			Severity:    9,
		},

		// DDL
		{
			Name:        "create_object",
			Category:    CategoryDDL,
			Regex:       regexp.MustCompile(`(?i)\bCREATE\b`),
			Description: "Rejects CREATE anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "alter_object",
			Category:    CategoryDDL,
			Regex:       regexp.MustCompile(`(?i)\bALTER\b`),
			Description: "Rejects ALTER anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "drop_object",
			Category:    CategoryDDL,
			Regex:       regexp.MustCompile(`(?i)\bDROP\b`),
			Description: "Rejects DROP anywhere in the statement",
			Severity:    10,
		},
		{
			Name:        "truncate_table",
			Category:    CategoryDDL,
			Regex:       regexp.MustCompile(`(?i)\bTRUNCATE\b`),
			Description: "Rejects TRUNCATE",
			Severity:    10,
		},

		// Privilege and session manipulation
		{
			Name:        "grant_revoke",
			Category:    CategoryPrivilege,
			Regex:       regexp.MustCompile(`(?i)\b(GRANT|REVOKE)\b`),
			Description: "Rejects privilege changes",
			Severity:    10,
		},
		{
			Name:        "set_role",
			Category:    CategoryPrivilege,
			Regex:       regexp.MustCompile(`(?i)\bSET\s+(SESSION\s+AUTHORIZATION|ROLE|LOCAL\s+ROLE)\b`),
			Description: "Rejects role switching which would escape row level security",
			Severity:    10,
		},
		{
			Name:        "security_definer_call",
			Category:    CategoryPrivilege,
			Regex:       regexp.MustCompile(`(?i)\bSECURITY\s+DEFINER\b`),
			Description: "Rejects security definer references",
			Severity:    9,
		},

		// System access
		{
			Name:        "copy_program",
			Category:    CategorySystemAccess,
			Regex:       regexp.MustCompile(`(?i)\bCOPY\b`),
			Description: "Rejects COPY which reads or writes server files",
			Severity:    10,
		},
		{
			Name:        "pg_catalog_read",
			Category:    CategorySystemAccess,
			Regex:       regexp.MustCompile(`(?i)\b(pg_catalog|information_schema|pg_shadow|pg_authid|pg_roles)\b`),
			Description: "Rejects catalog introspection",
			Severity:    7,
		},
		{
			Name:        "system_function",
			Category:    CategorySystemAccess,
			Regex:       regexp.MustCompile(`(?i)\b(pg_read_file|pg_ls_dir|pg_sleep|dblink|lo_import|lo_export)\s*\(`),
			Description: "Rejects server-side file and delay functions",
			Severity:    10,
		},

		// Obfuscation
		{
			Name:        "block_comment",
			Category:    CategoryObfuscation,
			Regex:       regexp.MustCompile(`/\*`),
			Description: "Rejects block comments used to split keywords",
			Severity:    6,
		},
		{
			Name:        "do_block",
			Category:    CategoryObfuscation,
			Regex:       regexp.MustCompile(`(?i)\bDO\s+\$`),
			Description: "Rejects anonymous code blocks",
			Severity:    10,
		},
		{
			Name:        "execute_dynamic",
			Category:    CategoryObfuscation,
			Regex:       regexp.MustCompile(`(?i)\bEXECUTE\b`),
			Description: "Rejects dynamic statement execution",
			Severity:    9,
		},
	}
}
