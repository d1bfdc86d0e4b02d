package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
)

// RegisterCustomValidators registers portalguard-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("priority", validatePriority); err != nil {
		return fmt.Errorf("failed to register priority validator: %w", err)
	}
	return nil
}

// validateDuration accepts a positive Go duration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validatePriority(fl validator.FieldLevel) bool {
	_, err := offline.ParsePriority(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSessionTimings(); err != nil {
		return err
	}
	if err := c.validateBackoff(); err != nil {
		return err
	}
	return nil
}

// validateSessionTimings ensures the inactivity warning fires before the timeout.
func (c *Config) validateSessionTimings() error {
	if Duration(c.Session.WarningTime) >= Duration(c.Session.Timeout) {
		return fmt.Errorf("session.warning_time (%s) must be shorter than session.timeout (%s)",
			c.Session.WarningTime, c.Session.Timeout)
	}
	return nil
}

func (c *Config) validateBackoff() error {
	if Duration(c.API.BackoffBase) > Duration(c.API.BackoffMax) {
		return fmt.Errorf("api.backoff_base (%s) must not exceed api.backoff_max (%s)",
			c.API.BackoffBase, c.API.BackoffMax)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"30s\" or \"5m\", got %q", field, e.Value())
	case "priority":
		return fmt.Sprintf("%s must be one of: high medium low", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
