package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrNoEndpoints is returned when a topology has no usable endpoints.
var ErrNoEndpoints = errors.New("no endpoints configured")

// ErrMembershipConstraint is returned when removing a group member would
// violate a structural constraint of the group object, e.g. removing the last
// required member of a groupOfUniqueNames. Not retryable.
var ErrMembershipConstraint = errors.New("removal would violate a group constraint")

// ErrorCategory classifies directory operation failures.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryConstraint     ErrorCategory = "constraint"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// DirectoryError carries the failed operation, its category and the
// underlying LDAP result code so callers can keep failure classes apart
// instead of collapsing everything into one generic error.
type DirectoryError struct {
	Op       string        // operation that failed: connect, bind, search, ...
	Category ErrorCategory // failure class
	Code     uint16        // LDAP result code, 0 for non-protocol failures
	DN       string        // DN involved, if any
	Cause    error
}

func (e *DirectoryError) Error() string {
	var b strings.Builder
	if e.Code > 0 {
		fmt.Fprintf(&b, "directory %s failed (code %d)", e.Op, e.Code)
	} else {
		fmt.Fprintf(&b, "directory %s failed", e.Op)
	}
	if e.DN != "" {
		fmt.Fprintf(&b, " for %s", e.DN)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

func (e *DirectoryError) Unwrap() error {
	return e.Cause
}

// operr wraps a raw error from the protocol library into a DirectoryError,
// extracting the result code when the error came from the server.
func operr(op, dn string, err error) error {
	if err == nil {
		return nil
	}
	de := &DirectoryError{Op: op, DN: dn, Cause: err}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		de.Code = ldapErr.ResultCode
		de.Category = categorize(ldapErr.ResultCode)
	} else {
		de.Category = categorizeGeneric(err)
	}
	return de
}

// connectError marks a failure to establish the underlying connection.
func connectError(endpoint Endpoint, err error) error {
	return &DirectoryError{
		Op:       "connect",
		Category: ErrorCategoryConnection,
		Cause:    fmt.Errorf("dial %s: %w", endpoint.Addr(), err),
	}
}

// categorize maps an LDAP result code onto a failure class.
func categorize(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication
	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound
	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists:
		return ErrorCategoryConflict
	case ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConstraint
	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer
	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection
	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGeneric classifies errors that did not come from the server.
func categorizeGeneric(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "refused"):
		return ErrorCategoryConnection
	case strings.Contains(msg, "credentials"),
		strings.Contains(msg, "authentication"):
		return ErrorCategoryAuthentication
	default:
		return ErrorCategoryUnknown
	}
}

// Category returns the failure class of err, ErrorCategoryUnknown when err is
// not a directory error.
func Category(err error) ErrorCategory {
	var de *DirectoryError
	if errors.As(err, &de) {
		return de.Category
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return categorize(ldapErr.ResultCode)
	}
	return ErrorCategoryUnknown
}

// IsConnectError reports whether err is a connection-level failure.
func IsConnectError(err error) bool {
	return Category(err) == ErrorCategoryConnection
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return Category(err) == ErrorCategoryAuthentication
}

// IsNotFound reports whether err indicates a missing entry or attribute.
func IsNotFound(err error) bool {
	return Category(err) == ErrorCategoryNotFound
}

// IsConstraint reports whether err is a structural constraint violation.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrMembershipConstraint) || Category(err) == ErrorCategoryConstraint
}
