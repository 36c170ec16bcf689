package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/syssam/prism"
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Table   string
	Column  string
	Message string
	// Breaking indicates queries against the table are expected to fail.
	Breaking bool
}

func (e *ValidationError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Table, e.Message)
}

// ValidationResult holds the results of schema validation.
type ValidationResult struct {
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (r *ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// HasBreakingChanges returns true if there are any breaking changes.
func (r *ValidationResult) HasBreakingChanges() bool {
	for _, e := range r.Errors {
		if e.Breaking {
			return true
		}
	}
	for _, w := range r.Warnings {
		if w.Breaking {
			return true
		}
	}
	return false
}

// String returns a human-readable summary of the validation result.
func (r *ValidationResult) String() string {
	var sb strings.Builder
	if len(r.Errors) > 0 {
		sb.WriteString("Errors:\n")
		for _, e := range r.Errors {
			sb.WriteString("  - ")
			sb.WriteString(e.Error())
			if e.Breaking {
				sb.WriteString(" [BREAKING]")
			}
			sb.WriteString("\n")
		}
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range r.Warnings {
			sb.WriteString("  - ")
			sb.WriteString(w.Error())
			if w.Breaking {
				sb.WriteString(" [BREAKING]")
			}
			sb.WriteString("\n")
		}
	}
	if !r.HasErrors() && !r.HasWarnings() {
		sb.WriteString("No issues found")
	}
	return sb.String()
}

// Err returns a SchemaMismatch error describing the validation errors, or
// nil if there are none. Warnings do not produce an error.
func (r *ValidationResult) Err() error {
	if !r.HasErrors() {
		return nil
	}
	tables := make(map[string]struct{})
	for _, e := range r.Errors {
		tables[e.Table] = struct{}{}
	}
	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)
	msg := r.Errors[0].Error()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return prism.New(prism.SchemaMismatch, msg).
		With("tables", strings.Join(names, ",")).
		WithSuggestion("apply pending migrations or regenerate the schema")
}

// ValidateOption configures schema validation.
type ValidateOption func(*validateConfig)

type validateConfig struct {
	allowExtraColumns bool
	strictTypes       bool
}

// AllowExtraColumns suppresses warnings for live columns missing from the
// model.
func AllowExtraColumns() ValidateOption {
	return func(c *validateConfig) {
		c.allowExtraColumns = true
	}
}

// StrictTypes reports type mismatches as errors instead of warnings.
func StrictTypes() ValidateOption {
	return func(c *validateConfig) {
		c.strictTypes = true
	}
}

// ValidateDrift compares the tables a model expects with the live tables
// read by Inspect. Missing tables and columns are breaking errors.
//
// Example:
//
//	live, err := schema.Inspect(ctx, conn, dialect.Postgres, "users", "posts")
//	if err != nil {
//	    return err
//	}
//	if err := schema.ValidateDrift(expected, live).Err(); err != nil {
//	    return err // prism.SchemaMismatch
//	}
func ValidateDrift(expected, live []*Table, opts ...ValidateOption) *ValidationResult {
	cfg := &validateConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	result := &ValidationResult{}
	liveMap := make(map[string]*Table, len(live))
	for _, t := range live {
		liveMap[strings.ToLower(t.Name)] = t
	}
	for _, want := range expected {
		got, ok := liveMap[strings.ToLower(want.Name)]
		if !ok {
			result.Errors = append(result.Errors, &ValidationError{
				Table:    want.Name,
				Message:  "table does not exist",
				Breaking: true,
			})
			continue
		}
		validateTableDrift(want, got, cfg, result)
	}
	return result
}

func validateTableDrift(want, got *Table, cfg *validateConfig, result *ValidationResult) {
	liveCols := make(map[string]*Column, len(got.Columns))
	for _, c := range got.Columns {
		liveCols[strings.ToLower(c.Name)] = c
	}
	seen := make(map[string]bool, len(want.Columns))
	for _, wc := range want.Columns {
		key := strings.ToLower(wc.Name)
		seen[key] = true
		lc, ok := liveCols[key]
		if !ok {
			result.Errors = append(result.Errors, &ValidationError{
				Table:    want.Name,
				Column:   wc.Name,
				Message:  "column does not exist",
				Breaking: true,
			})
			continue
		}
		if !wc.Nullable && lc.Nullable {
			result.Warnings = append(result.Warnings, &ValidationError{
				Table:   want.Name,
				Column:  wc.Name,
				Message: "column is required in the model but nullable in the database",
			})
		}
		wf, lf := TypeFamily(wc.Type), TypeFamily(lc.Type)
		if wf != "" && lf != "" && !compatible(wf, lf) {
			e := &ValidationError{
				Table:   want.Name,
				Column:  wc.Name,
				Message: fmt.Sprintf("column type %s does not match %s", lc.Type, wc.Type),
			}
			if cfg.strictTypes {
				result.Errors = append(result.Errors, e)
			} else {
				result.Warnings = append(result.Warnings, e)
			}
		}
	}
	if cfg.allowExtraColumns {
		return
	}
	for _, lc := range got.Columns {
		if seen[strings.ToLower(lc.Name)] {
			continue
		}
		msg := "column is not in the model"
		if !lc.Nullable {
			msg = "NOT NULL column is not in the model; inserts may fail"
		}
		result.Warnings = append(result.Warnings, &ValidationError{
			Table:   want.Name,
			Column:  lc.Name,
			Message: msg,
		})
	}
}

// ValidateTable validates a single table definition.
func ValidateTable(t *Table) *ValidationResult {
	result := &ValidationResult{}

	// Check for primary key
	if len(t.PrimaryKey) == 0 {
		result.Warnings = append(result.Warnings, &ValidationError{
			Table:   t.Name,
			Message: "table has no primary key",
		})
	}

	// Check for duplicate column names
	colNames := make(map[string]bool)
	for _, c := range t.Columns {
		if colNames[c.Name] {
			result.Errors = append(result.Errors, &ValidationError{
				Table:   t.Name,
				Column:  c.Name,
				Message: "duplicate column name",
			})
		}
		colNames[c.Name] = true
	}

	// Check that primary key columns exist
	for _, pk := range t.PrimaryKey {
		if !colNames[pk] {
			result.Errors = append(result.Errors, &ValidationError{
				Table:   t.Name,
				Message: fmt.Sprintf("primary key references non-existent column %q", pk),
			})
		}
	}
	return result
}

// ValidateSchema validates all tables in a schema.
func ValidateSchema(tables []*Table) *ValidationResult {
	result := &ValidationResult{}

	tableNames := make(map[string]bool)
	for _, t := range tables {
		// Check for duplicate table names
		if tableNames[t.Name] {
			result.Errors = append(result.Errors, &ValidationError{
				Table:   t.Name,
				Message: "duplicate table name",
			})
		}
		tableNames[t.Name] = true

		// Validate individual table
		tableResult := ValidateTable(t)
		result.Errors = append(result.Errors, tableResult.Errors...)
		result.Warnings = append(result.Warnings, tableResult.Warnings...)
	}
	return result
}
