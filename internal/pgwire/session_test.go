package pgwire

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/olap"
	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
)

// fakeRows implements olap.Rows over canned data.
type fakeRows struct {
	cols []string
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool { r.pos++; return r.pos <= len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error {
	for i, d := range dest {
		*(d.(*any)) = r.rows[r.pos-1][i]
	}
	return nil
}
func (r *fakeRows) Columns() ([]string, error) { return r.cols, nil }
func (r *fakeRows) Err() error                 { return nil }
func (r *fakeRows) Close() error               { return nil }

// fakeDB answers each query from a lookup function.
type fakeDB struct {
	answer func(sql string) *fakeRows
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (olap.Rows, error) {
	return db.answer(sql), nil
}

// startTestSession wires a session over a net.Pipe and returns the client
// frontend.
func startTestSession(t *testing.T, db *fakeDB) *pgproto3.Frontend {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	backend := &SessionBackend{
		Executor: &query.Executor{DB: db, Rewriter: sqlrewrite.New()},
	}
	sess := newSession(serverConn, backend, Options{SessionPrefix: "sql"})
	go sess.run(context.Background())

	frontend := pgproto3.NewFrontend(clientConn, clientConn)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "tester", "database": "cascade"},
	})
	require.NoError(t, frontend.Flush())

	// Drain the startup response through the first ReadyForQuery.
	for {
		msg := receive(t, frontend)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return frontend
		}
	}
}

func receive(t *testing.T, f *pgproto3.Frontend) pgproto3.BackendMessage {
	t.Helper()
	type result struct {
		msg pgproto3.BackendMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := f.Receive()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backend message")
		return nil
	}
}

func TestExtendedQueryBinaryInt(t *testing.T) {
	db := &fakeDB{answer: func(sql string) *fakeRows {
		assert.Equal(t, "SELECT 42::int", sql)
		return &fakeRows{cols: []string{"int4"}, rows: [][]any{{int32(42)}}}
	}}
	f := startTestSession(t, db)

	f.Send(&pgproto3.Parse{Name: "s1", Query: "SELECT $1::int"})
	f.Send(&pgproto3.Bind{
		PreparedStatement:    "s1",
		ParameterFormatCodes: []int16{1},
		Parameters:           [][]byte{{0, 0, 0, 42}},
		ResultFormatCodes:    []int16{1},
	})
	f.Send(&pgproto3.Describe{ObjectType: 'P'})
	f.Send(&pgproto3.Execute{})
	f.Send(&pgproto3.Sync{})
	require.NoError(t, f.Flush())

	_, ok := receive(t, f).(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	_, ok = receive(t, f).(*pgproto3.BindComplete)
	require.True(t, ok, "expected BindComplete")

	rd, ok := receive(t, f).(*pgproto3.RowDescription)
	require.True(t, ok, "expected RowDescription")
	require.Len(t, rd.Fields, 1)
	assert.EqualValues(t, 23, rd.Fields[0].DataTypeOID)

	dr, ok := receive(t, f).(*pgproto3.DataRow)
	require.True(t, ok, "expected DataRow")
	require.Len(t, dr.Values, len(rd.Fields), "DataRow column count must match RowDescription")
	assert.EqualValues(t, 42, binary.BigEndian.Uint32(dr.Values[0]))

	cc, ok := receive(t, f).(*pgproto3.CommandComplete)
	require.True(t, ok, "expected CommandComplete")
	assert.Equal(t, "SELECT 1", string(cc.CommandTag))

	rfq, ok := receive(t, f).(*pgproto3.ReadyForQuery)
	require.True(t, ok, "expected exactly one ReadyForQuery per Sync")
	assert.EqualValues(t, 'I', rfq.TxStatus)
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	db := &fakeDB{answer: func(sql string) *fakeRows {
		return &fakeRows{cols: []string{"name"}, rows: [][]any{{"ada"}, {"grace"}}}
	}}
	f := startTestSession(t, db)

	f.Send(&pgproto3.Query{String: "SELECT name FROM people"})
	require.NoError(t, f.Flush())

	_, ok := receive(t, f).(*pgproto3.RowDescription)
	require.True(t, ok, "expected RowDescription")
	for _, want := range []string{"ada", "grace"} {
		dr, ok := receive(t, f).(*pgproto3.DataRow)
		require.True(t, ok, "expected DataRow")
		assert.Equal(t, want, string(dr.Values[0]))
	}
	cc, ok := receive(t, f).(*pgproto3.CommandComplete)
	require.True(t, ok)
	assert.Equal(t, "SELECT 2", string(cc.CommandTag))
	_, ok = receive(t, f).(*pgproto3.ReadyForQuery)
	require.True(t, ok)
}

func TestEmptyQuery(t *testing.T) {
	f := startTestSession(t, &fakeDB{answer: func(string) *fakeRows { return &fakeRows{} }})

	f.Send(&pgproto3.Query{String: "   "})
	require.NoError(t, f.Flush())

	_, ok := receive(t, f).(*pgproto3.EmptyQueryResponse)
	require.True(t, ok, "expected EmptyQueryResponse")
	_, ok = receive(t, f).(*pgproto3.ReadyForQuery)
	require.True(t, ok)
}

func TestUnknownSetIsAccepted(t *testing.T) {
	db := &fakeDB{answer: func(sql string) *fakeRows { return &fakeRows{} }}
	f := startTestSession(t, db)

	f.Send(&pgproto3.Query{String: "SET extra_float_digits = 3"})
	require.NoError(t, f.Flush())

	cc, ok := receive(t, f).(*pgproto3.CommandComplete)
	require.True(t, ok, "expected CommandComplete for SET")
	assert.Equal(t, "SET", string(cc.CommandTag))
	_, ok = receive(t, f).(*pgproto3.ReadyForQuery)
	require.True(t, ok)
}

func TestCatalogShortcutsAndCastStripping(t *testing.T) {
	rs, ok := answerCatalogShortcut("SELECT version()")
	require.True(t, ok)
	assert.Contains(t, rs.Rows[0][0], "PostgreSQL")

	assert.Equal(t, "SELECT 'pg_class'", stripPgCasts("SELECT 'pg_class'::regclass"))
	assert.Equal(t, "SELECT 1::int", stripPgCasts("SELECT 1::int"))
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("SELECT 1; SELECT 'a;b'; -- c;\nSELECT 2")
	require.Len(t, got, 3)
	assert.Equal(t, "SELECT 1", got[0])
	assert.Equal(t, "SELECT 'a;b'", got[1])
	assert.Equal(t, "-- c;\nSELECT 2", got[2])
}
