package auth

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/tree"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testKey)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return v
}

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = NewVerifierHex("")
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = NewVerifierHex("zz")
	assert.Error(t, err)
	_, err = NewVerifierHex("000102030405060708090a0b0c0d0e0f")
	assert.NoError(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t)

	t.Run("roles_and_permissions", func(t *testing.T) {
		data, err := v.Issue(License{Name: "fbx", Roles: []Role{RoleViewer}, Permissions: []string{"modify"}})
		require.NoError(t, err)
		p, err := v.Verify(data, "fbx")
		require.NoError(t, err)
		assert.Equal(t, tree.PermRead|tree.PermObserve|tree.PermModify, p)
	})

	t.Run("wildcard_name", func(t *testing.T) {
		data, err := v.Issue(License{Name: "*", Roles: []Role{RoleAdmin}})
		require.NoError(t, err)
		p, err := v.Verify(data, "anyone")
		require.NoError(t, err)
		assert.Equal(t, tree.PermAll, p)
	})

	t.Run("wrong_name", func(t *testing.T) {
		data, err := v.Issue(License{Name: "fbx", Roles: []Role{RoleViewer}})
		require.NoError(t, err)
		_, err = v.Verify(data, "obj")
		assert.ErrorIs(t, err, ErrWrongName)
	})

	t.Run("tampered", func(t *testing.T) {
		data, err := v.Issue(License{Name: "fbx", Roles: []Role{RoleViewer}})
		require.NoError(t, err)
		data = bytes.Replace(data, []byte("viewer"), []byte("admin"), 1)
		_, err = v.Verify(data, "fbx")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("other_key", func(t *testing.T) {
		data, err := v.Issue(License{Name: "fbx", Roles: []Role{RoleViewer}})
		require.NoError(t, err)
		other, err := NewVerifier([]byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		_, err = other.Verify(data, "fbx")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		data, err := v.Issue(License{Name: "fbx", Roles: []Role{RoleViewer}, Expires: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
		require.NoError(t, err)
		_, err = v.Verify(data, "fbx")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("unknown_grant", func(t *testing.T) {
		_, err := v.Issue(License{Name: "fbx", Permissions: []string{"fly"}})
		assert.ErrorIs(t, err, ErrUnknownGrant)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := v.Verify([]byte("name: [unclosed"), "fbx")
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = v.Verify([]byte("name: fbx\n"), "fbx")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestStoreSecurityContext(t *testing.T) {
	v := newVerifier(t)
	s := tree.New(tree.Options{RequireSecurity: true, Verifier: v})
	defer s.Close()

	viewer, err := v.Issue(License{Name: "viewer", Roles: []Role{RoleViewer}})
	require.NoError(t, err)
	ctx, err := s.RequestSecurityContext(viewer, "viewer")
	require.NoError(t, err)
	assert.True(t, s.HasPermission(tree.PermRead))
	assert.False(t, s.HasPermission(tree.PermModify))
	require.NoError(t, s.CloseSecurityContext(ctx))

	_, err = s.RequestSecurityContext(viewer, "intruder")
	assert.ErrorIs(t, err, tree.ErrInvalidSecurityContext)
}
