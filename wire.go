package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/types"
)

// ListenAndServe opens a new Postgres server using the given address and
// default configurations. The given handler function is used to handle simple
// queries. This method should be used to construct a simple Postgres server for
// testing purposes or simple use cases.
func ListenAndServe(address string, handler ParseFn) error {
	server, err := NewServer(handler)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// CancelFn handles a client-issued cancellation request for a previously
// issued process ID and secret key pair.
type CancelFn func(ctx context.Context, processID, secretKey int32) error

// SessionHandler customizes or augments the per-connection context once
// authentication succeeds, e.g. attaching a tenant resolved from the
// client's startup parameters.
type SessionHandler func(ctx context.Context) (context.Context, error)

// CloseFn is invoked when a connection is closed (CloseConn) or explicitly
// terminated by the client (TerminateConn).
type CloseFn func(ctx context.Context) error

// NewServer constructs a new Postgres server using the given parse function and server options.
func NewServer(parse ParseFn, options ...OptionFn) (*Server, error) {
	srv := &Server{
		parse:                parse,
		logger:               slog.Default(),
		closer:               make(chan struct{}),
		types:                pgtype.NewMap(),
		Session:              func(ctx context.Context) (context.Context, error) { return ctx, nil },
		MaxRecompileAttempts: 5,
		OutputBufferSize:     buffer.DefaultBufferSize,
		MaxBlobSize:          1 << 26,
	}

	for _, option := range options {
		option(srv)
	}

	if srv.Engine == nil && parse != nil {
		srv.Engine = parseEngine{parse: parse}
	}

	return srv, nil
}

// parseEngine adapts a bare ParseFn into an Engine for callers that only
// need PARSE/BIND/EXECUTE and never issue a bare (non-prepared) DDL string
// outside of the extended-query protocol.
type parseEngine struct {
	parse ParseFn
}

func (e parseEngine) Compile(ctx context.Context, sql string) (CompiledStatement, error) {
	return e.parse(ctx, sql)
}

func (e parseEngine) DDL(ctx context.Context, sql string) (int64, error) {
	compiled, err := e.parse(ctx, sql)
	if err != nil {
		return 0, err
	}

	if compiled.DDL == nil {
		return 0, NewErrUndefinedStatement()
	}

	return compiled.DDL.Execute(ctx, nil)
}

// Server contains options for listening to an address.
type Server struct {
	closing         atomic.Bool
	wg              sync.WaitGroup
	logger          *slog.Logger
	types           *pgtype.Map
	Auth            AuthStrategy
	BufferedMsgSize int
	Parameters      Parameters
	TLSConfig       *tls.Config
	Certificates    []tls.Certificate
	ClientCAs       *x509.CertPool
	ClientAuth      tls.ClientAuthType
	parse           ParseFn
	SimpleQuery     SimpleQueryFn
	Session         SessionHandler
	CloseConn       CloseFn
	TerminateConn   CloseFn
	Version         string
	closer          chan struct{}
	CancelRequest   CancelFn
	BackendKeyData  func() (processID, secretKey int32)

	// Engine binds the pipeline entry machinery to a query execution backend.
	// NewServer defaults it to an adapter over the ParseFn when no option
	// sets it; PARSE and EXECUTE are rejected while it is nil. SimpleQuery
	// does not use it.
	Engine Engine
	// WriterSource hands out row writers for INSERT/COPY style operations.
	WriterSource WriterSource
	// Metrics, when set, records pipeline-level counters and histograms.
	Metrics *Metrics
	// MaxRecompileAttempts bounds the stale-plan retry loop (SQLSTATE 0A000).
	MaxRecompileAttempts int
	// OutputBufferSize bounds a single DataRow batch before a portal suspend
	// or buffer-overflow pause is signalled to the client.
	OutputBufferSize int
	// MaxBlobSize bounds the size of a single BYTEA/text column value.
	MaxBlobSize int
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	// NOTE: handle graceful shutdowns
	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			ctx := context.Background()
			err = srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error got returned while serving a client connectio", "err", err)
			}
		}()
	}
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	ctx = setTypeInfo(ctx, srv.types)
	defer conn.Close()

	srv.logger.Debug("serving a new client connection")

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return err
	}

	if version == types.VersionCancel {
		return conn.Close()
	}

	srv.logger.Debug("handshake successfull, validating authentication")

	writer := buffer.NewWriter(srv.logger, conn)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return err
	}

	srv.logger.Debug("connection authenticated, writing server parameters")

	ctx, err = srv.writeParameters(ctx, writer, srv.Parameters)
	if err != nil {
		return err
	}

	if srv.BackendKeyData != nil {
		processID, secretKey := srv.BackendKeyData()
		if err := writeBackendKeyData(writer, processID, secretKey); err != nil {
			return err
		}
	}

	ctx, err = srv.Session(ctx)
	if err != nil {
		return err
	}

	ctx = setSession(ctx, NewSession())

	return srv.consumeCommands(ctx, conn, reader, writer)
}

// Close gracefully closes the underlaying Postgres server.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)
	srv.wg.Wait()
	return nil
}
