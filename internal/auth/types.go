package auth

import (
	"strings"

	xerrors "EVMQuery-Chain/internal/errors"
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
	ModeJWT      Mode = "jwt"
)

// Permissions checked by the API.
const (
	PermQueryRead  = "queries:read"
	PermQueryWrite = "queries:write"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// APIKey binds a static bearer token to a caller name and its permissions.
type APIKey struct {
	Name        string
	Key         string
	Permissions []string
}

// Config configures the authentication service.
type Config struct {
	Mode      Mode
	APIKeys   []APIKey
	JWTSecret string
	Issuer    string
}

// Subject is the authenticated caller passed to handlers via context.
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission reports whether the subject has the specified permission.
// The wildcard "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "*" || p == want {
			return true
		}
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "permission denied", xerrors.WithMetadata("missing", perm))
		}
	}
	return nil
}
