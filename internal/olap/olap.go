// Package olap implements the embedded OLAP engine adapter: a narrow
// interface wrapping marcboeker/go-duckdb so the SQL rewriter and the
// LLM-UDF bridge never import the driver directly. It covers DuckDB's
// database/sql driver plus its native UDF registration API.
package olap

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/marcboeker/go-duckdb"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// Rows is the minimal result-set iterator callers need; it mirrors
// *sql.Rows without leaking the driver type.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Engine is the narrow OLAP adapter surface.
type Engine struct {
	connector *duckdb.Connector
	db        *sql.DB
}

// Options configures an Engine.
type Options struct {
	// Path is the DuckDB database file; "" opens an in-memory database.
	Path string
}

// New opens a DuckDB engine.
func New(opts Options) (*Engine, error) {
	connector, err := duckdb.NewConnector(opts.Path, nil)
	if err != nil {
		return nil, cerrs.New(cerrs.KindConfig, "olap.New", err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, cerrs.New(cerrs.KindConfig, "olap.New", err)
	}
	return &Engine{connector: connector, db: db}, nil
}

// Close releases the underlying connection pool.
func (e *Engine) Close() error { return e.db.Close() }

// Query runs a read query and returns its rows.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "olap.Query", err)
	}
	return rows, nil
}

// Exec runs a statement with no result rows (DDL, CREATE TEMP TABLE, etc).
func (e *Engine) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	res, err := e.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, cerrs.New(cerrs.KindToolExecution, "olap.Exec", err)
	}
	return res, nil
}

// AttachDatabase attaches an external DuckDB/SQLite/Postgres-scanner file
// under alias, used by cascades that join against an externally-managed
// warehouse file.
func (e *Engine) AttachDatabase(ctx context.Context, path, alias string) error {
	_, err := e.Exec(ctx, fmt.Sprintf("ATTACH '%s' AS %s", path, alias))
	return err
}

// MaterializeTempTable implements the temp-table materialization contract
// for sql/python/js cells: CREATE OR REPLACE TEMP TABLE
// "_<cell_name>" AS <query>.
func (e *Engine) MaterializeTempTable(ctx context.Context, cellName, query string) (string, error) {
	name := "_" + cellName
	stmt := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE "%s" AS %s`, name, query)
	if _, err := e.Exec(ctx, stmt); err != nil {
		return "", err
	}
	return name, nil
}

// ScalarUDF is a row-at-a-time user-defined function exposed to SQL text
// (the shape every semantic_* operator needs: one or more text arguments,
// one scalar result).
type ScalarUDF struct {
	Name    string
	Arity   int
	Returns duckdb.Type // duckdb.TYPE_VARCHAR, TYPE_BOOLEAN, or TYPE_DOUBLE
	Fn      func(args []string) (any, error)
}

// RegisterScalarUDF registers a Go function as a native DuckDB scalar
// function so cascade SQL can call it directly.
func (e *Engine) RegisterScalarUDF(u ScalarUDF) error {
	inputs := make([]duckdb.TypeInfo, u.Arity)
	varchar, err := duckdb.NewTypeInfo(duckdb.TYPE_VARCHAR)
	if err != nil {
		return cerrs.New(cerrs.KindConfig, "olap.RegisterScalarUDF", err)
	}
	for i := range inputs {
		inputs[i] = varchar
	}
	resultType, err := duckdb.NewTypeInfo(u.Returns)
	if err != nil {
		return cerrs.New(cerrs.KindConfig, "olap.RegisterScalarUDF", err)
	}

	udf := &goScalarUDF{arity: u.Arity, fn: u.Fn, inputs: inputs, result: resultType}
	conn, err := e.db.Conn(context.Background())
	if err != nil {
		return cerrs.New(cerrs.KindConfig, "olap.RegisterScalarUDF", err)
	}
	defer conn.Close()
	if err := duckdb.RegisterScalarUDF(conn, u.Name, udf); err != nil {
		return cerrs.New(cerrs.KindConfig, "olap.RegisterScalarUDF", err)
	}
	return nil
}

// goScalarUDF adapts a Go closure to duckdb.ScalarFunc.
type goScalarUDF struct {
	arity  int
	fn     func(args []string) (any, error)
	inputs []duckdb.TypeInfo
	result duckdb.TypeInfo
}

func (u *goScalarUDF) Config() duckdb.ScalarFuncConfig {
	return duckdb.ScalarFuncConfig{InputTypeInfos: u.inputs, ResultTypeInfo: u.result}
}

func (u *goScalarUDF) Executor() duckdb.ScalarFuncExecutor {
	return duckdb.ScalarFuncExecutor{RowExecutor: u.executeRow}
}

func (u *goScalarUDF) executeRow(values []driver.Value) (any, error) {
	args := make([]string, len(values))
	for i, v := range values {
		args[i] = fmt.Sprintf("%v", v)
	}
	return u.fn(args)
}

// AggregateUDF is a row-group aggregate function.
type AggregateUDF struct {
	Name    string
	Arity   int
	Returns duckdb.Type
	New     func() AggregateState
}

// AggregateState accumulates one group's rows and produces a final value.
type AggregateState interface {
	Update(args []string) error
	Finalize() (any, error)
}

// RegisterAggregateUDF registers nothing: it always returns a configuration
// error, since no native DuckDB aggregate registration is wired.
func (e *Engine) RegisterAggregateUDF(u AggregateUDF) error {
	// go-duckdb's aggregate UDF API mirrors the scalar one, but the
	// rewriter reduces every aggregate operator to a scalar UDF over
	// string_agg of the group, so nothing would call a native aggregate
	// registration. Kept as an explicit error instead of dead code.
	return cerrs.New(cerrs.KindConfig, "olap.RegisterAggregateUDF",
		fmt.Errorf("aggregate UDF %q: not implemented, no aggregate-shape operator is wired in this build", u.Name))
}

// InformationSchemaRow is one row of DuckDB's information_schema.tables,
// used by pg_catalog emulation.
type InformationSchemaRow struct {
	TableSchema string
	TableName   string
	TableType   string
}

// InformationSchema lists known tables/views for pg_catalog emulation.
func (e *Engine) InformationSchema(ctx context.Context) ([]InformationSchemaRow, error) {
	rows, err := e.Query(ctx, `SELECT table_schema, table_name, table_type FROM information_schema.tables`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InformationSchemaRow
	for rows.Next() {
		var r InformationSchemaRow
		if err := rows.Scan(&r.TableSchema, &r.TableName, &r.TableType); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
