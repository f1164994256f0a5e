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

package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schema describes the queryable tables for the model's system prompt.
type Schema struct {
	Tables []SchemaTable `yaml:"tables"`
}

// SchemaTable is one table visible to the agent.
type SchemaTable struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Columns     []SchemaColumn `yaml:"columns"`
}

// SchemaColumn is one column of a queryable table.
type SchemaColumn struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// defaultSchemaYAML matches the tables the executor whitelists. Row
// level security further narrows what each agent identity can read.
const defaultSchemaYAML = `
tables:
  - name: ideas
    description: Product ideas submitted by users. RLS shows public ideas plus the user's own drafts.
    columns:
      - {name: id, type: bigint, description: Primary key}
      - {name: title, type: text}
      - {name: description, type: text}
      - {name: status, type: text, description: "One of: draft, open, planned, shipped, closed"}
      - {name: score, type: integer, description: Net vote score}
      - {name: archived, type: boolean}
      - {name: author_id, type: uuid}
      - {name: created_at, type: timestamptz}
      - {name: updated_at, type: timestamptz}
  - name: votes
    description: One row per user vote on an idea.
    columns:
      - {name: id, type: bigint}
      - {name: idea_id, type: bigint}
      - {name: voter_id, type: uuid}
      - {name: value, type: integer, description: +1 or -1}
      - {name: created_at, type: timestamptz}
  - name: comments
    description: Discussion on ideas. RLS hides comments on ideas the user cannot see.
    columns:
      - {name: id, type: bigint}
      - {name: idea_id, type: bigint}
      - {name: author_id, type: uuid}
      - {name: body, type: text}
      - {name: created_at, type: timestamptz}
  - name: tags
    description: Labels applied to ideas.
    columns:
      - {name: id, type: bigint}
      - {name: idea_id, type: bigint}
      - {name: label, type: text}
`

// DefaultSchema returns the built-in schema description.
func DefaultSchema() *Schema {
	s, err := parseSchema([]byte(defaultSchemaYAML))
	if err != nil {
		// The constant is validated by tests; a parse failure here is
		// a programming error.
		panic(err)
	}
	return s
}

// LoadSchema reads a schema description from a YAML file. Deployments
// override the default when their database diverges from the stock
// migrations.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return parseSchema(data)
}

func parseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	if len(s.Tables) == 0 {
		return nil, fmt.Errorf("schema defines no tables")
	}
	for _, t := range s.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("schema table with empty name")
		}
		if len(t.Columns) == 0 {
			return nil, fmt.Errorf("schema table %s has no columns", t.Name)
		}
	}
	return &s, nil
}

// Render produces the schema section of the system prompt.
func (s *Schema) Render() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "Table %s: %s\n", t.Name, t.Description)
		for _, c := range t.Columns {
			if c.Description != "" {
				fmt.Fprintf(&b, "  - %s (%s): %s\n", c.Name, c.Type, c.Description)
			} else {
				fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
			}
		}
	}
	return b.String()
}

// TableNames lists the schema's tables in declaration order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}
