package errs

import "fmt"

func RequiredParameter(key string) *Error {
	return New(KindValidation, "ERROR_REQUIRED_PARAMETER", "required parameter: %s", key)
}

func RequiredField(field string) *Error {
	return New(KindValidation, "ERROR_REQUIRED_FIELD", "required field is missing: %s", field)
}

func InvalidParameter(key, reason string) *Error {
	return New(KindValidation, "ERROR_INVALID_PARAMETER", "invalid parameter %s: %s", key, reason)
}

func InvalidParameterType(key string, value any) *Error {
	return New(KindValidation, "ERROR_INVALID_PARAMETER_TYPE", "invalid parameter type %s: %T", key, value)
}

func NotFound(key, value string) *Error {
	return New(KindNotFound, "ERROR_NOT_FOUND", "resource not found: %s=%s", key, value)
}

// AlreadyDeleted is returned when a mutation targets a soft-deleted record.
func AlreadyDeleted(key, value string) *Error {
	return New(KindConflict, "ERROR_RESOURCE_ALREADY_DELETED", "%s has already been deleted: %s", key, value)
}

func AlreadyExists(key, value string) *Error {
	return New(KindConflict, "ERROR_ALREADY_EXISTS", "resource already exists: %s=%s", key, value)
}

// TooManyMatch is returned when a collector match rule selects more than
// one asset.
func TooManyMatch(rule string) *Error {
	return New(KindConflict, "ERROR_TOO_MANY_MATCH", "match rule %s selects more than one asset", rule)
}

func PermissionDenied(reason string) *Error {
	return New(KindPermissionDenied, "ERROR_PERMISSION_DENIED", "permission denied: %s", reason)
}

func RelatedNamespaceExist(namespaceID string) *Error {
	return New(KindConflict, "ERROR_RELATED_NAMESPACE_EXIST", "related namespace exists: %s", namespaceID)
}

func ConnectorNotFound(version string) *Error {
	return New(KindValidation, "ERROR_CONNECTOR_NOT_FOUND", "collector plugin connector not found: %s", version)
}

func Upstream(cause error, format string, args ...any) *Error {
	return Wrap(cause, KindUpstream, "ERROR_PLUGIN", format, args...)
}

// Rollback reports that compensation failed after cause. Both errors stay
// reachable through errors.Is/As.
func Rollback(cause, rollbackErr error) *Error {
	return &Error{
		Kind:    KindRollback,
		Code:    "ERROR_ROLLBACK_FAILED",
		Message: fmt.Sprintf("rollback failed after error %q", cause),
		Err:     joined{cause: cause, rollback: rollbackErr},
	}
}

type joined struct {
	cause    error
	rollback error
}

func (j joined) Error() string { return j.rollback.Error() }

func (j joined) Unwrap() []error { return []error{j.rollback, j.cause} }
