// Package validation checks decoded request bodies against their validate
// struct tags and reports failures as inventory errors.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("tenant_id", validateTenantID)
}

// validateTenantID accepts ids made of letters, digits, '-' and '_', or
// the "*" wildcard.
func validateTenantID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "*" {
		return true
	}
	if id == "" || len(id) > 63 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Struct validates v. A missing required field is ERROR_REQUIRED_PARAMETER;
// any other failed rule is ERROR_INVALID_PARAMETER. Only the first failure
// is reported.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return errs.Wrap(err, errs.KindInternal, "ERROR_INTERNAL", "cannot validate %T", v)
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errs.InvalidParameter("request", err.Error())
	}
	fe := fieldErrs[0]
	key := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return errs.RequiredParameter(key)
	case "oneof":
		return errs.InvalidParameter(key, "must be one of "+fe.Param())
	case "min":
		return errs.InvalidParameter(key, "must have at least "+fe.Param()+" item(s)")
	default:
		return errs.InvalidParameter(key, "failed "+fe.Tag()+" validation")
	}
}

// fieldPath drops the struct name from a validator namespace:
// "CreateRequest.secrets[0].secret_id" becomes "secrets[0].secret_id".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
