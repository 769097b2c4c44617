package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionFns(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(nil)
	logger := slog.Default()
	tlsConfig := &tls.Config{}
	clientCAs := x509.NewCertPool()
	simpleQuery := SimpleQueryFn(func(context.Context, string, DataWriter) error { return nil })
	engine := fakeEngine{}
	writerSource := fakeWriterSource{}
	backendKeyData := func() (int32, int32) { return 1, 2 }
	cancelRequest := CancelFn(func(context.Context, int32, int32) error { return nil })

	srv, err := NewServer(nil,
		Logger(logger),
		TLSConfig(tlsConfig),
		ClientCAs(clientCAs),
		BackendKeyData(backendKeyData),
		CancelRequest(cancelRequest),
		SimpleQuery(simpleQuery),
		WithEngine(engine),
		WithWriterSource(writerSource),
		WithMetrics(metrics),
		WithMaxRecompileAttempts(3),
		WithOutputBufferSize(4096),
		WithMaxBlobSize(1024),
	)
	require.NoError(t, err)

	assert.Equal(t, logger, srv.logger)
	assert.Equal(t, tlsConfig, srv.TLSConfig)
	assert.Equal(t, clientCAs, srv.ClientCAs)
	assert.NotNil(t, srv.BackendKeyData)
	assert.NotNil(t, srv.CancelRequest)
	assert.NotNil(t, srv.SimpleQuery)
	assert.Equal(t, engine, srv.Engine)
	assert.Equal(t, writerSource, srv.WriterSource)
	assert.Equal(t, metrics, srv.Metrics)
	assert.Equal(t, 3, srv.MaxRecompileAttempts)
	assert.Equal(t, 4096, srv.OutputBufferSize)
	assert.Equal(t, 1024, srv.MaxBlobSize)
}

func TestNewServerDefaultsEngineFromParse(t *testing.T) {
	t.Parallel()

	parse := ParseFn(func(context.Context, string) (CompiledStatement, error) {
		return CompiledStatement{}, nil
	})

	srv, err := NewServer(parse)
	require.NoError(t, err)
	assert.NotNil(t, srv.Engine)

	_, err = srv.Engine.Compile(context.Background(), "SELECT 1")
	assert.NoError(t, err)
}

func TestNewServerExplicitEngineWinsOverParse(t *testing.T) {
	t.Parallel()

	parse := ParseFn(func(context.Context, string) (CompiledStatement, error) {
		t.Fatal("parse should not be used once an explicit Engine is set")
		return CompiledStatement{}, nil
	})

	engine := fakeEngine{}
	srv, err := NewServer(parse, WithEngine(engine))
	require.NoError(t, err)
	assert.Equal(t, engine, srv.Engine)
}

type fakeEngine struct{}

func (fakeEngine) Compile(ctx context.Context, sql string) (CompiledStatement, error) {
	return CompiledStatement{}, nil
}

func (fakeEngine) DDL(ctx context.Context, sql string) (int64, error) {
	return 0, nil
}

type fakeWriterSource struct{}

func (fakeWriterSource) Writer(ctx context.Context, table string) (Writer, error) {
	return nil, nil
}
