package pgwire

import (
	"context"
	"strings"

	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
)

// catalogViews present the PostgreSQL catalog shape over the OLAP engine's
// native information schema, so introspecting clients (psql \d, JDBC
// metadata, BI tools) find the tables they expect. Views that have no
// engine-side counterpart are created empty but present.
var catalogViews = []string{
	`CREATE OR REPLACE VIEW pg_namespace AS
	 SELECT DISTINCT hash(schema_name) % 100000 AS oid, schema_name AS nspname, 10 AS nspowner
	 FROM information_schema.schemata`,

	`CREATE OR REPLACE VIEW pg_class AS
	 SELECT hash(table_schema || '.' || table_name) % 1000000 AS oid,
	        table_name AS relname,
	        hash(table_schema) % 100000 AS relnamespace,
	        CASE table_type WHEN 'VIEW' THEN 'v' ELSE 'r' END AS relkind,
	        0 AS reltuples, 10 AS relowner
	 FROM information_schema.tables`,

	`CREATE OR REPLACE VIEW pg_attribute AS
	 SELECT hash(table_schema || '.' || table_name) % 1000000 AS attrelid,
	        column_name AS attname,
	        ordinal_position AS attnum,
	        25 AS atttypid,
	        CASE is_nullable WHEN 'NO' THEN true ELSE false END AS attnotnull,
	        false AS attisdropped
	 FROM information_schema.columns`,

	`CREATE OR REPLACE VIEW pg_tables AS
	 SELECT table_schema AS schemaname, table_name AS tablename, 'engine' AS tableowner
	 FROM information_schema.tables WHERE table_type = 'BASE TABLE'`,

	`CREATE OR REPLACE VIEW pg_type AS
	 SELECT * FROM (VALUES
	   (16, 'bool', 1), (20, 'int8', 8), (23, 'int4', 4),
	   (25, 'text', -1), (701, 'float8', 8), (17, 'bytea', -1),
	   (1114, 'timestamp', 8)) AS t(oid, typname, typlen)`,

	`CREATE OR REPLACE VIEW pg_database AS
	 SELECT 1 AS oid, 'cascade' AS datname, 10 AS datdba, 6 AS encoding`,

	`CREATE OR REPLACE VIEW pg_proc AS
	 SELECT * FROM (VALUES
	   ('semantic_matches', 2), ('semantic_about', 2), ('semantic_extract', 2),
	   ('semantic_fuzzy', 2), ('semantic_implies', 2),
	   ('rvbbit_udf', 2), ('rvbbit_run', 2)) AS p(proname, pronargs)`,

	`CREATE OR REPLACE VIEW pg_settings AS
	 SELECT * FROM (VALUES
	   ('server_version', '16.3'), ('server_encoding', 'UTF8'),
	   ('TimeZone', 'UTC')) AS s(name, setting)`,

	`CREATE OR REPLACE VIEW pg_index AS
	 SELECT NULL AS indexrelid, NULL AS indrelid WHERE false`,

	`CREATE OR REPLACE VIEW pg_description AS
	 SELECT NULL AS objoid, NULL AS description WHERE false`,
}

// InstallCatalog creates the pg_catalog emulation views on a session's
// OLAP connection. Individual view failures are logged and skipped; a
// partially present catalog is more useful than a failed connection.
func InstallCatalog(ctx context.Context, engine *olap.Engine, logger telemetry.Logger) {
	for _, ddl := range catalogViews {
		if _, err := engine.Exec(ctx, ddl); err != nil && logger != nil {
			logger.Warn(ctx, "pgwire: catalog view skipped", "error", err)
		}
	}
}

// answerCatalogShortcut answers catalog function calls clients issue on
// connect with constants, without touching the engine.
func answerCatalogShortcut(sql string) (*query.ResultSet, bool) {
	q := strings.ToLower(strings.TrimSpace(strings.TrimRight(sql, ";")))
	switch {
	case q == "select current_database()":
		return singleValue("current_database", "cascade"), true
	case q == "select current_schema()", q == "select current_schema":
		return singleValue("current_schema", "main"), true
	case q == "select version()":
		return singleValue("version", "PostgreSQL 16.3 (cascade engine)"), true
	case strings.HasPrefix(q, "select has_table_privilege"):
		return singleValue("has_table_privilege", true), true
	case strings.HasPrefix(q, "select pg_backend_pid()"):
		return singleValue("pg_backend_pid", int32(1)), true
	}
	return nil, false
}

func singleValue(col string, v any) *query.ResultSet {
	return &query.ResultSet{Columns: []string{col}, Rows: [][]any{{v}}, Tag: "SELECT 1"}
}

// strippedCasts are the catalog-only cast suffixes clients attach to
// introspection queries; the OLAP engine has no regclass/regproc/oid
// types, so the casts are removed before execution.
var strippedCasts = map[string]bool{"regclass": true, "regproc": true, "regtype": true, "oid": true}

// stripPgCasts removes `::regclass`-style casts token-wise, leaving casts
// the engine understands (::int, ::varchar) untouched.
func stripPgCasts(sql string) string {
	toks := sqlrewrite.Tokenize(sql)
	var out strings.Builder
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == sqlrewrite.TokSymbol && t.Text == "::" {
			// peek past whitespace for the cast target
			j := i + 1
			for j < len(toks) && toks[j].Kind == sqlrewrite.TokSpace {
				j++
			}
			if j < len(toks) && toks[j].Kind == sqlrewrite.TokWord && strippedCasts[strings.ToLower(toks[j].Text)] {
				i = j
				continue
			}
		}
		out.WriteString(t.Text)
	}
	return out.String()
}
