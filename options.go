package wire

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
)

// Logger sets the logger used by the server for structured diagnostic
// output.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// OptionFn options pattern used to define and set options for the given
// PostgreSQL server.
type OptionFn func(*Server)

// TLSConfig sets the TLS configuration used to upgrade a plaintext
// connection once the client requests SSL.
func TLSConfig(config *tls.Config) OptionFn {
	return func(srv *Server) {
		srv.TLSConfig = config
	}
}

// ClientCAs sets the pool of client CA certificates used to verify a
// client certificate when mutual TLS is enabled.
func ClientCAs(pool *x509.CertPool) OptionFn {
	return func(srv *Server) {
		srv.ClientCAs = pool
	}
}

// BackendKeyData sets the function that mints the (processID, secretKey)
// pair announced to the client right after authentication, later echoed
// back in a client's CancelRequest.
func BackendKeyData(fn func() (processID, secretKey int32)) OptionFn {
	return func(srv *Server) {
		srv.BackendKeyData = fn
	}
}

// CancelRequest sets the handler invoked when a client opens a new
// connection carrying a CancelRequest startup message.
func CancelRequest(fn CancelFn) OptionFn {
	return func(srv *Server) {
		srv.CancelRequest = fn
	}
}

// SimpleQuery sets the simple query handle inside the given server instance.
func SimpleQuery(fn SimpleQueryFn) OptionFn {
	return func(srv *Server) {
		srv.SimpleQuery = fn
	}
}

// WithEngine binds the extended-query pipeline entry machinery (PARSE/BIND/
// DESCRIBE/EXECUTE) to a storage/compiler backend. Without it, NewServer
// adapts the ParseFn it was given into an Engine; SimpleQuery never needs it.
func WithEngine(engine Engine) OptionFn {
	return func(srv *Server) {
		srv.Engine = engine
	}
}

// WithWriterSource binds the row-writer factory INSERT/UPDATE/DELETE plans
// use to apply their changes.
func WithWriterSource(source WriterSource) OptionFn {
	return func(srv *Server) {
		srv.WriterSource = source
	}
}

// WithMetrics attaches a Metrics collector to the server.
func WithMetrics(metrics *Metrics) OptionFn {
	return func(srv *Server) {
		srv.Metrics = metrics
	}
}

// WithMaxRecompileAttempts bounds the stale-plan recompile retry loop an
// EXECUTE goes through before giving up and surfacing ErrStalePlan.
func WithMaxRecompileAttempts(n int) OptionFn {
	return func(srv *Server) {
		srv.MaxRecompileAttempts = n
	}
}

// WithOutputBufferSize bounds how many bytes of already-flushed DataRow
// messages may accumulate in a single EXECUTE batch before a portal
// suspend is forced, regardless of the client's requested row limit.
func WithOutputBufferSize(n int) OptionFn {
	return func(srv *Server) {
		srv.OutputBufferSize = n
	}
}

// WithMaxBlobSize bounds the encoded size of any single column value.
func WithMaxBlobSize(n int) OptionFn {
	return func(srv *Server) {
		srv.MaxBlobSize = n
	}
}

// WithTypeMap replaces the server's pgx type registry, allowing a caller to
// register codecs for types the built-in registry doesn't carry (e.g.
// shopspring/decimal-backed NUMERIC columns) before bind decoding and row
// serialization start consulting it.
func WithTypeMap(tm *pgtype.Map) OptionFn {
	return func(srv *Server) {
		srv.types = tm
	}
}
