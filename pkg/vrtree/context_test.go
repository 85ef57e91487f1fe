package vrtree

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orneryd/vrtree/pkg/audit"
	"github.com/orneryd/vrtree/pkg/auth"
	"github.com/orneryd/vrtree/pkg/config"
	"github.com/orneryd/vrtree/pkg/ffi"
	"github.com/orneryd/vrtree/pkg/tree"
	"github.com/orneryd/vrtree/pkg/value"
)

func registerBox(s *tree.Store) error {
	b, err := s.CreateMetaNode("Box")
	if err != nil {
		return err
	}
	if _, err := s.AddProperty(b, "size", value.Double, tree.WithDefault(value.NewDouble(1))); err != nil {
		return err
	}
	m, err := s.FinishMetaNode(b)
	if err != nil {
		return err
	}
	m.Close()
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Journal.Dir = filepath.Join(dir, "journal")
	cfg.Journal.SnapshotFile = filepath.Join(dir, "journal", "snapshot.json")
	cfg.Journal.SyncMode = "immediate"
	cfg.Archive.Enabled = true
	cfg.Archive.InMemory = true
	return cfg
}

func start(t *testing.T, cfg *config.Config) *Context {
	t.Helper()
	c, err := Init(cfg, Options{Logger: zaptest.NewLogger(t), Schema: registerBox})
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func createBox(t *testing.T, s *tree.Store, name string, size float64) uuid.UUID {
	t.Helper()
	scenes := s.Scenes()
	defer scenes.Close()
	n, err := s.CreateNode(scenes, "Box", name)
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, s.SetDouble(n, tree.Name("size"), size))
	id, err := s.UUID(n)
	require.NoError(t, err)
	return id
}

func sizeOf(s *tree.Store, id uuid.UUID) (float64, bool) {
	n, err := s.NodeFromUUID(id)
	if err != nil {
		s.ClearLastError()
		return 0, false
	}
	defer n.Close()
	v, err := s.GetDouble(n, tree.Name("size"))
	return v, err == nil
}

func TestAPIVersion(t *testing.T) {
	major, minor := APIVersion()
	assert.Equal(t, 1, major)
	assert.Equal(t, 3, minor)
}

func TestParseErrorLevels(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    tree.ErrorLevel
		wantErr bool
	}{
		{"empty", nil, tree.LevelNone, false},
		{"defaults", []string{"errors", "warnings"}, tree.LevelErrors | tree.LevelWarnings, false},
		{"case_and_space", []string{" Debug", "INFO "}, tree.LevelDebug | tree.LevelInfo, false},
		{"unknown", []string{"errors", "trace"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseErrorLevels(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInit(t *testing.T) {
	c := start(t, testConfig(t))

	assert.NotNil(t, c.Store())
	assert.NotNil(t, c.Journal())
	assert.NotNil(t, c.Archive())
	assert.Nil(t, c.Hub())
	assert.False(t, c.BulkData())
	assert.ErrorIs(t, c.Connect(context.Background(), "localhost", 1), ErrNetworkDisabled)

	t.Run("native_plugin_registered", func(t *testing.T) {
		assert.Contains(t, c.Exchange().ImportExtensions(), "vrtxt")
	})

	t.Run("builtins", func(t *testing.T) {
		v, err := c.FFI().Invoke("apiVersion")
		require.NoError(t, err)
		s, err := v.Str()
		require.NoError(t, err)
		assert.Equal(t, "1.3", s)

		v, err = c.FFI().Invoke("hasPermission", ffi.MakeString("modify"))
		require.NoError(t, err)
		ok, err := v.Bool()
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = c.FFI().Invoke("hasPermission", ffi.MakeString("fly"))
		assert.Error(t, err)
	})

	t.Run("archive", func(t *testing.T) {
		s := c.Store()
		id := createBox(t, s, "saved", 4)
		n, err := s.NodeFromUUID(id)
		require.NoError(t, err)
		defer n.Close()
		got, err := c.Archive().Save(s, n)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	require.NoError(t, c.Shutdown())
	assert.NoError(t, c.Shutdown())
	c.Update(0)
	assert.ErrorIs(t, c.Connect(context.Background(), "localhost", 1), ErrClosed)
}

func TestInitRejects(t *testing.T) {
	log := zaptest.NewLogger(t)

	t.Run("invalid_config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Network.Port = -1
		_, err := Init(cfg, Options{Logger: log})
		assert.Error(t, err)
	})

	t.Run("world_precision", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.WorldPrecision = 32
		if value.WorldSize == 4 {
			cfg.Store.WorldPrecision = 64
		}
		_, err := Init(cfg, Options{Logger: log})
		assert.ErrorIs(t, err, ErrPrecision)
	})

	t.Run("bad_license_key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Security.LicenseKey = "zz"
		_, err := Init(cfg, Options{Logger: log})
		assert.Error(t, err)
	})

	t.Run("schema_failure", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := Init(cfg, Options{Logger: log, Schema: func(s *tree.Store) error {
			if err := registerBox(s); err != nil {
				return err
			}
			return registerBox(s)
		}})
		assert.Error(t, err)
	})
}

func TestJournalRecovery(t *testing.T) {
	cfg := testConfig(t)

	first, err := Init(cfg, Options{Logger: zaptest.NewLogger(t), Schema: registerBox})
	require.NoError(t, err)
	id := createBox(t, first.Store(), "kept", 2.5)
	first.Update(0)
	require.NoError(t, first.Shutdown())

	second := start(t, cfg)
	got, ok := sizeOf(second.Store(), id)
	require.True(t, ok)
	assert.Equal(t, 2.5, got)
}

func TestLicense(t *testing.T) {
	key := make([]byte, auth.MinKeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := auth.NewVerifier(key)
	require.NoError(t, err)

	issue := func(t *testing.T, role auth.Role) *config.Config {
		t.Helper()
		data, err := v.Issue(auth.License{Name: "vrtree", Roles: []auth.Role{role}})
		require.NoError(t, err)
		cfg := testConfig(t)
		cfg.Security.LicenseFile = filepath.Join(t.TempDir(), "license.yaml")
		require.NoError(t, os.WriteFile(cfg.Security.LicenseFile, data, 0600))
		cfg.Security.LicenseKey = hex.EncodeToString(key)
		cfg.Store.RequireSecurity = true
		return cfg
	}

	t.Run("admin", func(t *testing.T) {
		c := start(t, issue(t, auth.RoleAdmin))
		assert.True(t, c.Store().HasPermission(tree.PermModify))
		createBox(t, c.Store(), "allowed", 1)
	})

	t.Run("viewer", func(t *testing.T) {
		c := start(t, issue(t, auth.RoleViewer))
		assert.True(t, c.Store().HasPermission(tree.PermRead))
		assert.False(t, c.Store().HasPermission(tree.PermModify))
	})

	t.Run("wrong_key", func(t *testing.T) {
		cfg := issue(t, auth.RoleAdmin)
		other := make([]byte, auth.MinKeySize)
		cfg.Security.LicenseKey = hex.EncodeToString(other)
		cfg.Security.AuditLog = filepath.Join(t.TempDir(), "audit.log")
		_, err := Init(cfg, Options{Logger: zaptest.NewLogger(t), Schema: registerBox})
		assert.ErrorIs(t, err, auth.ErrInvalidSignature)

		res, err := audit.NewReader(cfg.Security.AuditLog).Query(audit.Query{Types: []audit.EventType{audit.EventLicenseRejected}})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "vrtree", res.Events[0].Name)
	})

	t.Run("audit_trail", func(t *testing.T) {
		cfg := issue(t, auth.RoleEditor)
		cfg.Security.AuditLog = filepath.Join(t.TempDir(), "audit.log")
		c := start(t, cfg)
		require.NotNil(t, c.Audit())
		require.NoError(t, c.Shutdown())

		res, err := audit.NewReader(cfg.Security.AuditLog).Query(audit.Query{})
		require.NoError(t, err)
		var types []audit.EventType
		for _, e := range res.Events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []audit.EventType{
			audit.EventLicenseAccepted,
			audit.EventPluginRegistered,
			audit.EventContextClosed,
			audit.EventShutdown,
		}, types)
		assert.Equal(t, "network,observe,read,modify", res.Events[0].Permissions)
	})
}

func TestScripts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exchange.ScriptDir = t.TempDir()
	src := "func Shout(s string) string { return s + \"!\" }\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Exchange.ScriptDir, "shout.go"), []byte(src), 0644))

	c := start(t, cfg)
	require.NoError(t, c.Script().Export("shout", "main.Shout"))
	v, err := c.FFI().Invoke("shout", ffi.MakeString("hey"))
	require.NoError(t, err)
	s, err := v.Str()
	require.NoError(t, err)
	assert.Equal(t, "hey!", s)

	t.Run("broken_script", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Exchange.ScriptDir = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Exchange.ScriptDir, "bad.go"), []byte("func {"), 0644))
		_, err := Init(cfg, Options{Logger: zaptest.NewLogger(t), Schema: registerBox})
		assert.Error(t, err)
	})
}

func TestNetwork(t *testing.T) {
	netConfig := func(t *testing.T) *config.Config {
		cfg := testConfig(t)
		cfg.Network.Enabled = true
		cfg.Network.Port = 0
		return cfg
	}
	a := start(t, netConfig(t))
	b := start(t, netConfig(t))
	require.NotNil(t, a.Hub())

	port := a.Hub().Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, "127.0.0.1", port))

	id := createBox(t, a.Store(), "shared", 3)
	require.Eventually(t, func() bool {
		a.Update(0)
		b.Update(0)
		got, ok := sizeOf(b.Store(), id)
		return ok && got == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSplitPeer(t *testing.T) {
	host, port, err := splitPeer("example.org:7700")
	require.NoError(t, err)
	assert.Equal(t, "example.org", host)
	assert.Equal(t, 7700, port)

	_, _, err = splitPeer("example.org")
	assert.Error(t, err)
	_, _, err = splitPeer("example.org:http")
	assert.Error(t, err)
}
