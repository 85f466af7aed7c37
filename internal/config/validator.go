package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/toolscope/toolscope/internal/domain/toolset"
)

// RegisterCustomValidators registers toolscope-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// toolset_name: the same rule the toolset domain enforces.
	if err := v.RegisterValidation("toolset_name", validateToolsetName); err != nil {
		return fmt.Errorf("failed to register toolset_name validator: %w", err)
	}

	// Report fields by their config file key so error messages match
	// what the user wrote in toolscope.yaml.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return nil
}

func validateToolsetName(fl validator.FieldLevel) bool {
	return toolset.ValidateName(fl.Field().String()) == nil
}

// Validate checks the configuration using struct tags plus cross-field
// rules, returning actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	return c.validateServers()
}

// validateServers applies the transport-specific rules the domain layer
// enforces, so a bad entry fails at load time instead of connect time.
func (c *Config) validateServers() error {
	for name, sc := range c.ServerConfigs() {
		cfg := sc
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("servers.%s: %w", name, err)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors into
// user-facing messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "toolset_name":
		return fmt.Sprintf("%s must match %s (2-50 characters)", field, toolset.NamePattern)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
