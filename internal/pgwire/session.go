package pgwire

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ryrobes/larsql-sub001/internal/callerctx"
	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
)

// preparedStatement is one named Parse result.
type preparedStatement struct {
	query     string
	paramOIDs []uint32
}

// portal is one Bind result, optionally carrying a buffered result set
// when Describe forced early execution.
type portal struct {
	stmt          *preparedStatement
	boundQuery    string
	resultFormats []int16
	described     *query.ResultSet
}

// session drives one client connection through startup, simple-query, and
// extended-query cycles. All its state is confined to the connection's
// goroutine.
type session struct {
	conn    net.Conn
	proto   *pgproto3.Backend
	backend *SessionBackend
	opts    Options

	callerID string
	txStatus byte

	statements map[string]*preparedStatement
	portals    map[string]*portal

	// skipToSync suppresses message handling after an extended-protocol
	// error until the next Sync, per the protocol's error recovery rule.
	skipToSync bool
}

func newSession(conn net.Conn, backend *SessionBackend, opts Options) *session {
	return &session{
		conn:       conn,
		proto:      pgproto3.NewBackend(conn, conn),
		backend:    backend,
		opts:       opts,
		callerID:   fmt.Sprintf("%s-%s", opts.SessionPrefix, uuid.NewString()[:8]),
		txStatus:   'I',
		statements: map[string]*preparedStatement{},
		portals:    map[string]*portal{},
	}
}

func (s *session) run(ctx context.Context) error {
	if err := s.startup(); err != nil {
		return err
	}
	for {
		msg, err := s.proto.Receive()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pgwire: receive: %w", err)
		}

		if s.skipToSync {
			switch msg.(type) {
			case *pgproto3.Sync:
				s.skipToSync = false
				s.send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus})
				if err := s.flush(); err != nil {
					return err
				}
			case *pgproto3.Terminate:
				return nil
			}
			continue
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			s.handleSimpleQuery(ctx, m.String)
		case *pgproto3.Parse:
			s.handleParse(m)
		case *pgproto3.Bind:
			s.handleBind(m)
		case *pgproto3.Describe:
			s.handleDescribe(ctx, m)
		case *pgproto3.Execute:
			s.handleExecute(ctx, m)
		case *pgproto3.Sync:
			s.send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus})
		case *pgproto3.Close:
			s.handleClose(m)
		case *pgproto3.Flush:
			// flushed below
		case *pgproto3.Terminate:
			return nil
		default:
			s.sendError(fmt.Sprintf("unsupported message %T", msg))
			s.skipToSync = true
		}
		if err := s.flush(); err != nil {
			return err
		}
	}
}

// startup negotiates the connection: SSL/GSS refusals, then parameter
// exchange. Authentication is trust-mode.
func (s *session) startup() error {
	for {
		msg, err := s.proto.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("pgwire: startup: %w", err)
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return err
			}
			continue
		case *pgproto3.CancelRequest:
			return nil
		case *pgproto3.StartupMessage:
			s.send(&pgproto3.AuthenticationOk{})
			for name, value := range map[string]string{
				"server_version":              "16.3",
				"server_encoding":             "UTF8",
				"client_encoding":             "UTF8",
				"DateStyle":                   "ISO, MDY",
				"integer_datetimes":           "on",
				"standard_conforming_strings": "on",
				"TimeZone":                    "UTC",
			} {
				s.send(&pgproto3.ParameterStatus{Name: name, Value: value})
			}
			s.send(&pgproto3.BackendKeyData{ProcessID: rand.Uint32(), SecretKey: rand.Uint32()})
			s.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			return s.flush()
		default:
			return fmt.Errorf("pgwire: unexpected startup message %T", msg)
		}
	}
}

// handleSimpleQuery runs each statement of a simple-query message and ends
// with exactly one ReadyForQuery.
func (s *session) handleSimpleQuery(ctx context.Context, sql string) {
	defer func() { s.send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus}) }()

	statements := splitStatements(sql)
	if len(statements) == 0 {
		s.send(&pgproto3.EmptyQueryResponse{})
		return
	}
	for _, stmt := range statements {
		if !s.runStatement(ctx, stmt, "simple", nil) {
			return
		}
	}
}

// runStatement executes one statement and streams its result; it returns
// false after sending an ErrorResponse so multi-statement batches stop at
// the first failure.
func (s *session) runStatement(ctx context.Context, sql, protocol string, resultFormats []int16) bool {
	if handled := s.handleSessionStatement(sql); handled {
		return true
	}
	if rs, ok := answerCatalogShortcut(sql); ok {
		s.sendResultSet(rs, resultFormats)
		return true
	}

	s.trackTransaction(sql)
	if s.backend.Bridge != nil {
		s.backend.Bridge.SetCaller(s.callerID, callerctx.Metadata{
			"origin":   "pgwire",
			"protocol": protocol,
			"query":    sql,
		})
	}

	rs, err := s.backend.Executor.Execute(ctx, stripPgCasts(sql))
	if err != nil {
		if s.txStatus == 'T' {
			s.txStatus = 'E'
		}
		s.sendError(err.Error())
		return false
	}
	s.sendResultSet(rs, resultFormats)
	return true
}

func (s *session) handleParse(m *pgproto3.Parse) {
	s.statements[m.Name] = &preparedStatement{
		query:     m.Query,
		paramOIDs: m.ParameterOIDs,
	}
	s.send(&pgproto3.ParseComplete{})
}

func (s *session) handleBind(m *pgproto3.Bind) {
	stmt, ok := s.statements[m.PreparedStatement]
	if !ok {
		s.sendError(fmt.Sprintf("unknown prepared statement %q", m.PreparedStatement))
		s.skipToSync = true
		return
	}
	bound, err := substituteParams(stmt.query, m.Parameters, m.ParameterFormatCodes)
	if err != nil {
		s.sendError(err.Error())
		s.skipToSync = true
		return
	}
	s.portals[m.DestinationPortal] = &portal{
		stmt:          stmt,
		boundQuery:    bound,
		resultFormats: m.ResultFormatCodes,
	}
	s.send(&pgproto3.BindComplete{})
}

// handleDescribe answers with the statement's parameter and row shapes.
// Describing a portal executes it eagerly and buffers the rows for the
// following Execute; the OLAP engine has no prepare-only row description.
func (s *session) handleDescribe(ctx context.Context, m *pgproto3.Describe) {
	switch m.ObjectType {
	case 'S':
		stmt, ok := s.statements[m.Name]
		if !ok {
			s.sendError(fmt.Sprintf("unknown prepared statement %q", m.Name))
			s.skipToSync = true
			return
		}
		s.send(&pgproto3.ParameterDescription{ParameterOIDs: stmt.paramOIDs})
		s.send(&pgproto3.NoData{})
	case 'P':
		p, ok := s.portals[m.Name]
		if !ok {
			s.sendError(fmt.Sprintf("unknown portal %q", m.Name))
			s.skipToSync = true
			return
		}
		rs, err := s.executePortal(ctx, p)
		if err != nil {
			s.sendError(err.Error())
			s.skipToSync = true
			return
		}
		p.described = rs
		if len(rs.Columns) == 0 {
			s.send(&pgproto3.NoData{})
			return
		}
		s.send(rowDescription(rs, p.resultFormats))
	}
}

func (s *session) handleExecute(ctx context.Context, m *pgproto3.Execute) {
	p, ok := s.portals[m.Portal]
	if !ok {
		s.sendError(fmt.Sprintf("unknown portal %q", m.Portal))
		s.skipToSync = true
		return
	}
	rs := p.described
	p.described = nil
	if rs == nil {
		var err error
		rs, err = s.executePortal(ctx, p)
		if err != nil {
			s.sendError(err.Error())
			s.skipToSync = true
			return
		}
	}
	if err := s.sendDataRows(rs, p.resultFormats); err != nil {
		s.sendError(err.Error())
		s.skipToSync = true
		return
	}
	s.send(&pgproto3.CommandComplete{CommandTag: []byte(rs.Tag)})
}

func (s *session) executePortal(ctx context.Context, p *portal) (*query.ResultSet, error) {
	sql := p.boundQuery
	if handled := isSessionStatement(sql); handled {
		return &query.ResultSet{Tag: "SET"}, nil
	}
	if rs, ok := answerCatalogShortcut(sql); ok {
		return rs, nil
	}
	s.trackTransaction(sql)
	if s.backend.Bridge != nil {
		s.backend.Bridge.SetCaller(s.callerID, callerctx.Metadata{
			"origin":   "pgwire",
			"protocol": "extended",
			"query":    sql,
		})
	}
	return s.backend.Executor.Execute(ctx, stripPgCasts(sql))
}

func (s *session) handleClose(m *pgproto3.Close) {
	switch m.ObjectType {
	case 'S':
		delete(s.statements, m.Name)
	case 'P':
		delete(s.portals, m.Name)
	}
	s.send(&pgproto3.CloseComplete{})
}

// handleSessionStatement swallows SET/RESET for unknown PostgreSQL
// parameters so drivers that configure the session on connect keep
// working. The statement is attempted against the engine first; a failure
// still reports success to the client.
func (s *session) handleSessionStatement(sql string) bool {
	if !isSessionStatement(sql) {
		return false
	}
	if _, err := s.backend.Executor.Execute(context.Background(), sql); err == nil {
		s.sendResultSet(&query.ResultSet{Tag: tagOf(sql)}, nil)
		return true
	}
	s.send(&pgproto3.CommandComplete{CommandTag: []byte(tagOf(sql))})
	return true
}

func isSessionStatement(sql string) bool {
	kw := firstKeyword(sql)
	return kw == "SET" || kw == "RESET" || kw == "DISCARD"
}

func tagOf(sql string) string { return firstKeyword(sql) }

func firstKeyword(sql string) string {
	fields := strings.Fields(strings.TrimSpace(sql))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// trackTransaction follows the engine's native BEGIN/COMMIT/ROLLBACK so
// ReadyForQuery reports I/T/E correctly.
func (s *session) trackTransaction(sql string) {
	switch firstKeyword(sql) {
	case "BEGIN":
		s.txStatus = 'T'
	case "COMMIT", "ROLLBACK", "END", "ABORT":
		s.txStatus = 'I'
	}
}

func (s *session) sendResultSet(rs *query.ResultSet, resultFormats []int16) {
	if len(rs.Columns) > 0 {
		s.send(rowDescription(rs, resultFormats))
		if err := s.sendDataRows(rs, resultFormats); err != nil {
			s.sendError(err.Error())
			return
		}
	}
	s.send(&pgproto3.CommandComplete{CommandTag: []byte(rs.Tag)})
}

func (s *session) sendDataRows(rs *query.ResultSet, resultFormats []int16) error {
	for _, row := range rs.Rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			enc, err := encodeValue(v, formatFor(resultFormats, i))
			if err != nil {
				return err
			}
			values[i] = enc
		}
		s.send(&pgproto3.DataRow{Values: values})
	}
	return nil
}

func (s *session) sendError(message string) {
	s.send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "XX000",
		Message:  message,
	})
}

func (s *session) send(msg pgproto3.BackendMessage) {
	s.proto.Send(msg)
}

func (s *session) flush() error {
	return s.proto.Flush()
}

// splitStatements splits a simple-query batch on top-level semicolons,
// ignoring semicolons inside strings and comments.
func splitStatements(sql string) []string {
	toks := sqlrewrite.Tokenize(sql)
	var statements []string
	var cur []sqlrewrite.Token
	hasContent := false
	for _, t := range toks {
		if t.Kind == sqlrewrite.TokSymbol && t.Text == ";" {
			if hasContent {
				statements = append(statements, strings.TrimSpace(sqlrewrite.Render(cur)))
			}
			cur = cur[:0]
			hasContent = false
			continue
		}
		if t.Kind != sqlrewrite.TokSpace && t.Kind != sqlrewrite.TokComment {
			hasContent = true
		}
		cur = append(cur, t)
	}
	if hasContent {
		statements = append(statements, strings.TrimSpace(sqlrewrite.Render(cur)))
	}
	return statements
}
