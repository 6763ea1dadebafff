// Package sqltools provides an in-process SQLite tool provider backed by
// database/sql. Read and write statements are separated into distinct
// tools so a query tool can never mutate the database.
package sqltools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/local"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

type toolset struct {
	db *sql.DB

	mu       sync.Mutex
	insights []string
}

// New builds a SQLite provider over the database at path. ":memory:"
// gives an ephemeral database. Published tools: read_query, write_query,
// create_table, list_tables, describe_table, append_insight,
// list_insights.
func New(id, path string) (*local.Provider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", path)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// table-locked errors under concurrent tool calls.
	db.SetMaxOpenConns(1)

	ts := &toolset{db: db}

	readQuery, err := local.NewTool("read_query",
		"Execute a SELECT query and return the rows as JSON.",
		ts.readQuery)
	if err != nil {
		return nil, err
	}
	writeQuery, err := local.NewTool("write_query",
		"Execute an INSERT, UPDATE or DELETE statement.",
		ts.writeQuery)
	if err != nil {
		return nil, err
	}
	createTable, err := local.NewTool("create_table",
		"Create a new table from a CREATE TABLE statement.",
		ts.createTable)
	if err != nil {
		return nil, err
	}
	listTables, err := local.NewTool("list_tables",
		"List all tables in the database.",
		ts.listTables)
	if err != nil {
		return nil, err
	}
	describeTable, err := local.NewTool("describe_table",
		"Show the column definitions of a table.",
		ts.describeTable)
	if err != nil {
		return nil, err
	}
	appendInsight, err := local.NewTool("append_insight",
		"Record a business insight discovered while analyzing the data.",
		ts.appendInsight)
	if err != nil {
		return nil, err
	}
	listInsights, err := local.NewTool("list_insights",
		"Return all recorded insights.",
		ts.listInsights)
	if err != nil {
		return nil, err
	}

	p := local.NewProvider(id)
	if err := p.Register(readQuery, writeQuery, createTable, listTables, describeTable, appendInsight, listInsights); err != nil {
		_ = db.Close()
		return nil, err
	}
	p.AddCloser(db.Close)
	return p, nil
}

func statementKind(query string) string {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// rowsToJSON renders a result set as a JSON array of objects, preserving
// the column order inside each object is not required by consumers.
func rowsToJSON(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", errors.WithStack(err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", errors.WithStack(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", errors.WithStack(err)
	}
	if len(out) == 0 {
		return "[]", nil
	}
	body, err := json.Marshal(out)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(body), nil
}

type queryInput struct {
	Query string `json:"query" jsonschema:"description=SQL statement to execute"`
}

func (ts *toolset) readQuery(ctx context.Context, in *queryInput) (any, error) {
	if kind := statementKind(in.Query); kind != "SELECT" && kind != "WITH" {
		return nil, errors.Errorf("read_query only accepts SELECT statements, got %s", kind)
	}
	rows, err := ts.db.QueryContext(ctx, in.Query)
	if err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	defer rows.Close()
	return rowsToJSON(rows)
}

func (ts *toolset) writeQuery(ctx context.Context, in *queryInput) (any, error) {
	switch statementKind(in.Query) {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return nil, errors.Errorf("write_query only accepts INSERT, UPDATE or DELETE statements")
	}
	res, err := ts.db.ExecContext(ctx, in.Query)
	if err != nil {
		return nil, errors.Wrap(err, "statement failed")
	}
	affected, _ := res.RowsAffected()
	return fmt.Sprintf("%d rows affected", affected), nil
}

func (ts *toolset) createTable(ctx context.Context, in *queryInput) (any, error) {
	upper := strings.ToUpper(strings.TrimSpace(in.Query))
	if !strings.HasPrefix(upper, "CREATE TABLE") {
		return nil, errors.Errorf("create_table only accepts CREATE TABLE statements")
	}
	if _, err := ts.db.ExecContext(ctx, in.Query); err != nil {
		return nil, errors.Wrap(err, "create table failed")
	}
	return "table created", nil
}

type listTablesInput struct{}

func (ts *toolset) listTables(ctx context.Context, _ *listTablesInput) (any, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(names) == 0 {
		return "no tables", nil
	}
	return strings.Join(names, "\n"), nil
}

type describeTableInput struct {
	TableName string `json:"table_name" jsonschema:"description=Name of the table to describe"`
}

func (ts *toolset) describeTable(ctx context.Context, in *describeTableInput) (any, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?)`, in.TableName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe %q", in.TableName)
	}
	defer rows.Close()

	out, err := rowsToJSON(rows)
	if err != nil {
		return nil, err
	}
	if out == "[]" {
		return nil, errors.Errorf("table %q does not exist", in.TableName)
	}
	return out, nil
}

type appendInsightInput struct {
	Insight string `json:"insight" jsonschema:"description=The insight to record"`
}

func (ts *toolset) appendInsight(_ context.Context, in *appendInsightInput) (any, error) {
	if strings.TrimSpace(in.Insight) == "" {
		return nil, errors.Errorf("insight must not be empty")
	}
	ts.mu.Lock()
	ts.insights = append(ts.insights, in.Insight)
	ts.mu.Unlock()
	return "insight recorded", nil
}

type listInsightsInput struct{}

func (ts *toolset) listInsights(_ context.Context, _ *listInsightsInput) (any, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.insights) == 0 {
		return "no insights recorded", nil
	}
	var b strings.Builder
	for i, s := range ts.insights {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
