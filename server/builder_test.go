package server

import (
	"path/filepath"
	"testing"

	"github.com/maxpert/amqp-engine/auth"
	"github.com/maxpert/amqp-engine/config"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/protocol"
	"github.com/maxpert/amqp-engine/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewServerBuilder(t *testing.T) {
	builder := NewServerBuilder()
	require.NotNil(t, builder.config)
	assert.Equal(t, "memory", builder.config.Storage.Backend)
	assert.Equal(t, "/", builder.config.Server.VirtualHost)
}

func TestServerBuilderFluentAPI(t *testing.T) {
	fs := afero.NewMemMapFs()
	builder := NewServerBuilder().
		WithZapLogger("debug").
		WithBadgerStorage("/var/lib/amqp").
		WithFileAuthentication("/etc/amqp/users.yaml").
		WithFilesystem(fs)

	assert.NotNil(t, builder.logger)
	assert.Equal(t, "badger", builder.config.Storage.Backend)
	assert.Equal(t, "/var/lib/amqp", builder.config.Storage.Path)
	assert.True(t, builder.config.Security.AuthenticationEnabled)
	assert.Equal(t, "/etc/amqp/users.yaml", builder.config.Security.UsersFile)
	assert.Equal(t, fs, builder.fs)

	builder.WithMemoryStorage()
	assert.Equal(t, "memory", builder.config.Storage.Backend)
}

func TestServerBuilderBuild(t *testing.T) {
	srv, err := NewServerBuilder().
		WithLogger(zap.NewNop()).
		Build()
	require.NoError(t, err)

	assert.NotNil(t, srv.Store())
	assert.NotNil(t, srv.MemoryManager())
	assert.NotNil(t, srv.TransactionStats())
	assert.Equal(t, StateStopped, srv.Lifecycle().GetState())
	assert.Equal(t, "/", srv.VirtualHost().Name())

	// Standard exchanges exist from the start
	for _, name := range []string{"", "amq.direct", "amq.fanout", "amq.topic", "amq.headers"} {
		_, ok := srv.VirtualHost().GetExchange(name)
		assert.True(t, ok, "exchange %q", name)
	}
	assert.ElementsMatch(t, []string{"ANONYMOUS", "PLAIN"}, srv.Mechanisms())
}

func TestServerBuilderBuildValidationError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxMessageSize = 0

	_, err := NewServerBuilderWithConfig(cfg).WithLogger(zap.NewNop()).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestServerBuilderBadgerStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	srv, err := NewServerBuilder().
		WithLogger(zap.NewNop()).
		WithBadgerStorage(dir).
		Build()
	require.NoError(t, err)
	_, isBadger := srv.Store().(*storage.BadgerStore)
	assert.True(t, isBadger)
	require.NoError(t, srv.Store().Close())
}

func TestServerAuthenticationDisabledAllowsAll(t *testing.T) {
	e := newTestEngine(t)
	token, err := e.srv.Authenticate("PLAIN", nil)
	require.NoError(t, err)
	assert.Equal(t, auth.AllowAll, token)
}

func TestServerFileAuthentication(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv, err := NewServerBuilder().
		WithLogger(zap.NewNop()).
		WithStore(storage.NewMemoryStore()).
		WithFileAuthentication("/users.yaml").
		WithFilesystem(fs).
		Build()
	require.NoError(t, err)

	exists, err := afero.Exists(fs, "/users.yaml")
	require.NoError(t, err)
	assert.True(t, exists, "a default users file is created")

	token, err := srv.Authenticate("PLAIN", []byte("\x00guest\x00guest"))
	require.NoError(t, err)
	principal, ok := token.(*auth.Principal)
	require.True(t, ok)
	assert.Equal(t, "guest", principal.Username)

	_, err = srv.Authenticate("PLAIN", []byte("\x00guest\x00wrong"))
	var authErr *amqperrors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, amqperrors.AccessRefused, authErr.Code)

	_, err = srv.Authenticate("KERBEROS", []byte("x"))
	assert.Error(t, err)

	// Anonymous access is not offered once passwords are checked
	assert.Equal(t, []string{"PLAIN"}, srv.Mechanisms())
	_, err = srv.Authenticate("ANONYMOUS", nil)
	assert.Error(t, err)
}

func TestRestrictedPrincipalCannotPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	users, err := auth.NewFileAuthenticator(fs, "/users.yaml")
	require.NoError(t, err)
	require.NoError(t, users.AddUser("reader", "secret",
		auth.Permissions{Configure: ".*", Write: "^$", Read: ".*"}))

	srv, err := NewServerBuilder().
		WithLogger(zap.NewNop()).
		WithStore(storage.NewMemoryStore()).
		WithAuthenticator(users).
		Build()
	require.NoError(t, err)

	token, err := srv.Authenticate("PLAIN", []byte("\x00reader\x00secret"))
	require.NoError(t, err)

	out := NewRecordingOutput()
	conn, err := srv.NewConnection(out, token)
	require.NoError(t, err)
	require.NoError(t, conn.Handle(1, &protocol.ChannelOpenMethod{}))
	require.NoError(t, conn.Handle(1, &protocol.QueueDeclareMethod{Queue: "q"}))
	require.NoError(t, conn.Handle(1, &protocol.BasicPublishMethod{RoutingKey: "q"}))

	closeMethod, found := findMethod[*protocol.ChannelCloseMethod](out.Drain())
	require.True(t, found)
	assert.Equal(t, uint16(amqperrors.AccessRefused), closeMethod.ReplyCode)
	assert.False(t, conn.IsClosed())
}

func TestServerBuilderLogLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "invalid"} {
		t.Run("level_"+level, func(t *testing.T) {
			builder := NewServerBuilder().WithZapLogger(level)
			assert.NotNil(t, builder.logger)
		})
	}
	assert.Equal(t, zap.WarnLevel, parseZapLevel("warn").Level())
	assert.Equal(t, zap.InfoLevel, parseZapLevel("bogus").Level())
}
