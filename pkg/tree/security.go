package tree

import (
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Permission is a set of rights granted by a security context.
type Permission uint32

const (
	PermInit Permission = 1 << iota
	PermNetwork
	PermObserve
	PermRead
	PermModify

	PermAll = PermInit | PermNetwork | PermObserve | PermRead | PermModify
)

var permNames = []struct {
	p    Permission
	name string
}{
	{PermInit, "init"},
	{PermNetwork, "network"},
	{PermObserve, "observe"},
	{PermRead, "read"},
	{PermModify, "modify"},
}

func (p Permission) String() string {
	var parts []string
	for _, pn := range permNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParsePermission parses a permission name as printed by String.
func ParsePermission(name string) (Permission, bool) {
	if name == "all" {
		return PermAll, true
	}
	for _, pn := range permNames {
		if pn.name == name {
			return pn.p, true
		}
	}
	return 0, false
}

// Verifier checks a license for a named requester and returns the
// permissions it grants.
type Verifier interface {
	Verify(license []byte, name string) (Permission, error)
}

// SecurityContext is a granted set of permissions. Contexts stack: the
// most recently requested open context is in effect.
type SecurityContext struct {
	id     uuid.UUID
	name   string
	perms  Permission
	closed bool
}

// Name returns the requester name.
func (c *SecurityContext) Name() string { return c.name }

// Permissions returns the granted permissions.
func (c *SecurityContext) Permissions() Permission { return c.perms }

// RequestSecurityContext verifies license and makes the resulting context
// current. Without a Verifier every request is granted all permissions.
func (s *Store) RequestSecurityContext(license []byte, name string) (*SecurityContext, error) {
	const op = "RequestSecurityContext"
	perms := PermAll
	if s.opts.Verifier != nil {
		p, err := s.opts.Verifier.Verify(license, name)
		if err != nil {
			return nil, s.wrapFail(op, InvalidSecurityContext, err, "license for %q rejected", name)
		}
		perms = p
	}
	ctx := &SecurityContext{id: uuid.New(), name: name, perms: perms}
	s.contexts = append(s.contexts, ctx)
	s.info("security context granted", zap.String("name", name), zap.Stringer("permissions", perms))
	return ctx, nil
}

// CloseSecurityContext revokes ctx. Contexts may be closed in any order.
func (s *Store) CloseSecurityContext(ctx *SecurityContext) error {
	i := slices.Index(s.contexts, ctx)
	if ctx == nil || ctx.closed || i < 0 {
		return s.fail("CloseSecurityContext", InvalidSecurityContext, "security context is not open")
	}
	ctx.closed = true
	s.contexts = slices.Delete(s.contexts, i, i+1)
	return nil
}

// HasPermission reports whether the current context grants p. Stores that
// do not require security grant everything.
func (s *Store) HasPermission(p Permission) bool {
	if !s.opts.RequireSecurity {
		return true
	}
	if len(s.contexts) == 0 {
		return false
	}
	return s.contexts[len(s.contexts)-1].perms&p == p
}

func (s *Store) guard(op string, p Permission) error {
	if s.HasPermission(p) {
		return nil
	}
	return s.fail(op, InvalidSecurityContext, "permission %s required", p)
}

// Guard fails with InvalidSecurityContext unless the current context
// grants p. Layers built on the store use it for their own operations.
func (s *Store) Guard(op string, p Permission) error { return s.guard(op, p) }
