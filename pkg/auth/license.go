// Package auth verifies signed vrtree licenses.
//
// A license is a small YAML document naming a requester, the roles or
// permissions it is granted and an optional expiry. It is signed with a
// keyed BLAKE2b-256 MAC over its canonical payload, so anyone holding the
// key can both issue and verify licenses.
//
// Example Usage:
//
//	v, err := auth.NewVerifier(key)
//	if err != nil {
//		log.Fatal(err)
//	}
//	data, _ := v.Issue(auth.License{Name: "fbx-importer", Roles: []auth.Role{auth.RoleEditor}})
//
//	store := tree.New(tree.Options{RequireSecurity: true, Verifier: v})
//	ctx, err := store.RequestSecurityContext(data, "fbx-importer")
//
// Verifier implements tree.Verifier.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/vrtree/pkg/tree"
)

// Errors for license verification.
var (
	ErrMissingKey       = errors.New("license key not configured")
	ErrMalformed        = errors.New("malformed license")
	ErrInvalidSignature = errors.New("invalid license signature")
	ErrExpired          = errors.New("license expired")
	ErrWrongName        = errors.New("license issued to a different name")
	ErrUnknownGrant     = errors.New("unknown role or permission")
)

// MinKeySize is the shortest accepted MAC key.
const MinKeySize = 16

// Role is a named bundle of permissions.
type Role string

const (
	RoleAdmin  Role = "admin"  // everything
	RoleEditor Role = "editor" // read, modify, observe, network
	RoleViewer Role = "viewer" // read, observe
	RoleNone   Role = "none"
)

// RolePermissions maps roles to the store permissions they grant.
var RolePermissions = map[Role]tree.Permission{
	RoleAdmin:  tree.PermAll,
	RoleEditor: tree.PermRead | tree.PermModify | tree.PermObserve | tree.PermNetwork,
	RoleViewer: tree.PermRead | tree.PermObserve,
	RoleNone:   0,
}

// License is the signed grant.
type License struct {
	// Name is the requester the license is issued to; "*" matches anyone
	Name        string    `yaml:"name"`
	Roles       []Role    `yaml:"roles,omitempty"`
	Permissions []string  `yaml:"permissions,omitempty"`
	Expires     time.Time `yaml:"expires,omitempty"`
	Signature   string    `yaml:"signature"`
}

// Grants returns the union of the license's roles and permissions.
func (l *License) Grants() (tree.Permission, error) {
	var p tree.Permission
	for _, r := range l.Roles {
		rp, ok := RolePermissions[r]
		if !ok {
			return 0, fmt.Errorf("%w: role %q", ErrUnknownGrant, r)
		}
		p |= rp
	}
	for _, name := range l.Permissions {
		pp, ok := tree.ParsePermission(strings.TrimSpace(name))
		if !ok {
			return 0, fmt.Errorf("%w: permission %q", ErrUnknownGrant, name)
		}
		p |= pp
	}
	return p, nil
}

// payload is the canonical signed text. Roles and permissions are sorted so
// reordering them in the file does not break the signature.
func (l *License) payload() []byte {
	roles := make([]string, len(l.Roles))
	for i, r := range l.Roles {
		roles[i] = string(r)
	}
	sort.Strings(roles)
	perms := append([]string(nil), l.Permissions...)
	sort.Strings(perms)
	exp := ""
	if !l.Expires.IsZero() {
		exp = l.Expires.UTC().Format(time.RFC3339)
	}
	return []byte(strings.Join([]string{
		"vrtree-license-v1",
		l.Name,
		strings.Join(roles, ","),
		strings.Join(perms, ","),
		exp,
	}, "\n"))
}

// Verifier issues and checks licenses with a shared key.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier returns a verifier for key.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrMissingKey, MinKeySize)
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("license key longer than %d bytes", blake2b.Size)
	}
	return &Verifier{key: append([]byte(nil), key...), now: time.Now}, nil
}

// NewVerifierHex decodes a hex key, as stored in configuration.
func NewVerifierHex(key string) (*Verifier, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("license key is not hex: %w", err)
	}
	return NewVerifier(raw)
}

func (v *Verifier) mac(l *License) (string, error) {
	h, err := blake2b.New256(v.key)
	if err != nil {
		return "", err
	}
	h.Write(l.payload())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Issue signs l and returns the license document.
func (v *Verifier) Issue(l License) ([]byte, error) {
	if l.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrMalformed)
	}
	if _, err := l.Grants(); err != nil {
		return nil, err
	}
	sig, err := v.mac(&l)
	if err != nil {
		return nil, err
	}
	l.Signature = sig
	return yaml.Marshal(&l)
}

// Parse decodes and authenticates a license without checking its name.
func (v *Verifier) Parse(data []byte) (*License, error) {
	var l License
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l.Name == "" || l.Signature == "" {
		return nil, fmt.Errorf("%w: name and signature are required", ErrMalformed)
	}
	want, err := v.mac(&l)
	if err != nil {
		return nil, err
	}
	if !SecureCompare(want, strings.ToLower(l.Signature)) {
		return nil, ErrInvalidSignature
	}
	if !l.Expires.IsZero() && v.now().After(l.Expires) {
		return nil, fmt.Errorf("%w on %s", ErrExpired, l.Expires.Format(time.RFC3339))
	}
	return &l, nil
}

// Verify implements tree.Verifier.
func (v *Verifier) Verify(license []byte, name string) (tree.Permission, error) {
	l, err := v.Parse(license)
	if err != nil {
		return 0, err
	}
	if l.Name != "*" && l.Name != name {
		return 0, fmt.Errorf("%w: %q", ErrWrongName, l.Name)
	}
	return l.Grants()
}

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
