// Package validation holds struct validation and file checks shared by the
// session, the control API and the CLI.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator with the custom tags registered
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// "semver" accepts "1.2.3" as well as "v1.2.3"
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return IsSemver(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// IsSemver reports whether s is a semantic version, with or without a "v" prefix
func IsSemver(s string) bool {
	if s == "" {
		return false
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	return semver.IsValid(s)
}

// Struct validates s and flattens validator errors into a field map
func Struct(s interface{}) (map[string]string, error) {
	err := Validator().Struct(s)
	if err == nil {
		return nil, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return fields, fmt.Errorf("validation failed: %w", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "semver":
		return "must be a semantic version"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
