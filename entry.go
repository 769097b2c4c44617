package wire

import (
	"context"
	"sync"

	"github.com/tsdbwire/pgentry/codes"
	pgerror "github.com/tsdbwire/pgentry/errors"
)

// ParseFn compiles SQL text into an executable plan. When no Engine is
// configured, NewServer adapts it into one, and it then connects the
// wire-level PARSE handler to the storage engine; the engine owns
// caching/recompilation of the underlying plan.
type ParseFn func(ctx context.Context, query string) (CompiledStatement, error)

// PreparedStatement is the immutable, parse-time half of a pipeline entry:
// everything produced once by PARSE and shared, read-only, by every portal
// later bound against it.
type PreparedStatement struct {
	Name      string
	SQL       string
	Compiled  CompiledStatement
	ParamOids []uint32 // client-declared OIDs from PARSE, 0 where unspecified

	// DescribedColumns is the result-set descriptor a client saw (or would
	// see) via DESCRIBE at PARSE time, for row-producing statements. The
	// dispatcher diffs a post-recompile descriptor against this snapshot to
	// detect a stale cached plan whose shape actually changed.
	DescribedColumns Columns
}

// Portal is the mutable, bind-time half of a pipeline entry: one instance
// per BIND, holding its own decoded parameters, reconciled result formats,
// and execution bookkeeping (open cursor, suspended state). A Portal lives
// until it is CLOSEd, replaced by a BIND under the same name, or its
// statement is CLOSEd, and never shares mutable state with another Portal —
// only the PreparedStatement's descriptor lists are shared, via the
// back-reference.
type Portal struct {
	Name          string
	Statement     *PreparedStatement
	Params        []BoundParam
	ResultFormats []FormatCode

	cursor       Cursor
	insertMethod InsertMethod
	suspended    bool
	executed     bool
}

// copyIfExecuted returns the portal itself while it has not run yet, or
// while it is suspended with its cursor still open, so the next EXECUTE
// resumes where the previous batch stopped. Once an execution has finished
// (no open cursor), it returns a fresh Portal sharing the statement
// back-reference, bound parameters and result formats but with no execution
// state, so running it again opens a new cursor or insert method.
func (p *Portal) copyIfExecuted() *Portal {
	if !p.executed || p.cursor != nil {
		return p
	}

	return &Portal{
		Name:          p.Name,
		Statement:     p.Statement,
		Params:        p.Params,
		ResultFormats: p.ResultFormats,
	}
}

// Close releases any cursor or insert method held by the portal.
func (p *Portal) Close() error {
	var err error
	if p.cursor != nil {
		err = p.cursor.Close()
		p.cursor = nil
	}
	p.insertMethod = nil
	return err
}

// Session owns every prepared statement and portal live on a single
// connection. Unlike the teacher's original server-wide caches, a Session
// is created fresh per connection and never shared, matching the
// per-connection resource ownership the protocol requires.
type Session struct {
	mu         sync.Mutex
	statements map[string]*PreparedStatement
	portals    map[string]*Portal

	writers map[string]Writer // pending per-table writers awaiting COMMIT/ROLLBACK
	inTx    bool
}

// NewSession constructs an empty per-connection Session.
func NewSession() *Session {
	return &Session{
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
		writers:    make(map[string]Writer),
	}
}

// errUnknownStatement is returned when BIND or DESCRIBE(Statement) names a
// statement that was never PARSEd (or was already CLOSEd).
func errUnknownStatement(name string) error {
	return pgerror.WithCode(NewErrUnkownStatement(name), codes.InvalidPreparedStatementDefinition)
}

// errUnknownPortal is returned when EXECUTE or DESCRIBE(Portal) names a
// portal that was never BOUND (or was already CLOSEd).
func errUnknownPortal(name string) error {
	return pgerror.WithCode(NewErrUnkownStatement(name), codes.InvalidCursorName)
}

// DefineStatement registers a compiled statement under name, overwriting
// whatever statement previously held that name (re-PARSEing the unnamed
// statement is the common case: every simple re-prepare reuses "").
func (s *Session) DefineStatement(name string, stmt *PreparedStatement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements[name] = stmt
}

// Statement looks up a previously PARSEd statement by name.
func (s *Session) Statement(name string) (*PreparedStatement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, ok := s.statements[name]
	if !ok {
		return nil, errUnknownStatement(name)
	}
	return stmt, nil
}

// BindPortal registers a freshly bound portal under name, overwriting (and
// closing) whatever portal previously held that name.
func (s *Session) BindPortal(name string, portal *Portal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.portals[name]; ok {
		_ = prev.Close()
	}
	s.portals[name] = portal
	return nil
}

// Portal looks up a bound portal by name, returning a copy-on-reexecute
// instance per copyIfExecuted.
func (s *Session) Portal(name string) (*Portal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	portal, ok := s.portals[name]
	if !ok {
		return nil, errUnknownPortal(name)
	}

	fresh := portal.copyIfExecuted()
	s.portals[name] = fresh
	return fresh, nil
}

// CloseStatement removes a statement (and every portal bound against it)
// from the session, per CLOSE(Statement)'s cascading semantics.
func (s *Session) CloseStatement(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, ok := s.statements[name]
	if !ok {
		return nil
	}
	delete(s.statements, name)

	for pname, portal := range s.portals {
		if portal.Statement == stmt {
			_ = portal.Close()
			delete(s.portals, pname)
		}
	}
	return nil
}

// ClosePortal removes a single portal from the session.
func (s *Session) ClosePortal(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	portal, ok := s.portals[name]
	if !ok {
		return nil
	}
	delete(s.portals, name)
	return portal.Close()
}

// PendingWriter returns the writer already opened for table within the
// current transaction, if any.
func (s *Session) PendingWriter(table string) (Writer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[table]
	return w, ok
}

// SetPendingWriter records w as the writer open for table for the
// remainder of the current transaction.
func (s *Session) SetPendingWriter(table string, w Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers[table] = w
}

// Begin marks the session as inside an explicit transaction block.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = true
}

// InTransaction reports whether the session is inside an explicit
// transaction block (BEGIN issued, no matching COMMIT/ROLLBACK yet).
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// EndTransaction commits (or rolls back) and releases every pending
// writer, and clears the in-transaction flag. It is invoked on an explicit
// COMMIT/ROLLBACK, on the implicit commit after an INSERT/UPDATE/DELETE or
// DDL statement executed outside of a BEGIN block, and on the rollback that
// follows an error inside a transaction.
func (s *Session) EndTransaction(ctx context.Context, commit bool) error {
	s.mu.Lock()
	writers := s.writers
	s.writers = make(map[string]Writer)
	s.inTx = false
	s.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		var err error
		if commit {
			err = w.Commit(ctx)
		} else {
			err = w.Rollback(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
