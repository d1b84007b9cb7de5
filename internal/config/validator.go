package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
)

// RegisterCustomValidators registers the approval-gate validation tags.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	custom := map[string]validator.Func{
		"hostport":   validateHostPort,
		"duration":   validateDuration,
		"ttl_bounds": validateTTLBounds,
		"key_hash":   validateKeyHash,
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateHostPort accepts "host:port" and ":port" with a numeric port.
func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateTTLBounds(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= approval.MinTTL && d <= approval.MaxTTL
}

// validateKeyHash accepts an argon2id PHC string or "sha256:<64 hex>".
func validateKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()
	if digest, ok := strings.CutPrefix(hash, "sha256:"); ok {
		raw, err := hex.DecodeString(digest)
		return err == nil && len(raw) == 32
	}
	_, _, _, err := argon2id.DecodeHash(hash)
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateUniqueIdentities()
}

// validateUniqueIdentities rejects two admin keys sharing an identity,
// which would make decision attribution ambiguous.
func (c *Config) validateUniqueIdentities() error {
	seen := make(map[string]int, len(c.Admin.APIKeys))
	for i, key := range c.Admin.APIKeys {
		if j, dup := seen[key.Identity]; dup {
			return fmt.Errorf("admin.api_keys[%d]: identity %q already used by api_keys[%d]", i, key.Identity, j)
		}
		seen[key.Identity] = i
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
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
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostport":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as \"30s\" or \"5m\"", field)
	case "ttl_bounds":
		return fmt.Sprintf("%s must be between %s and %s", field, approval.MinTTL, approval.MaxTTL)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or 'sha256:<hex>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
