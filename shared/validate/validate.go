// Package validate provides validation functions for API arguments.
package validate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Required returns a function that runs one or more validators, all must pass without error.
func Required(validators ...func(value string) error) func(value string) error {
	return func(value string) error {
		for _, validator := range validators {
			err := validator(value)
			if err != nil {
				return err
			}
		}

		return nil
	}
}

// Optional wraps Required() function to make it return nil if value is empty string.
func Optional(validators ...func(value string) error) func(value string) error {
	return func(value string) error {
		if value == "" {
			return nil
		}

		return Required(validators...)(value)
	}
}

// IsAny accepts all strings as valid.
func IsAny(value string) error {
	return nil
}

// IsNotEmpty requires a non-empty string.
func IsNotEmpty(value string) error {
	if value == "" {
		return fmt.Errorf("Required value")
	}

	return nil
}

// IsBool validates if string can be understood as a boolean.
func IsBool(value string) error {
	if !strings.Contains(",true,false,yes,no,1,0,on,off,", ","+strings.ToLower(value)+",") {
		return fmt.Errorf("Invalid value for a boolean %q", value)
	}

	return nil
}

// IsUint16 validates whether the string can be converted to an uint16.
func IsUint16(value string) error {
	_, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return fmt.Errorf("Invalid value for uint16 %q: %w", value, err)
	}

	return nil
}

// IsUint32 validates whether the string can be converted to an uint32.
func IsUint32(value string) error {
	_, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("Invalid value for uint32 %q: %w", value, err)
	}

	return nil
}

// IsDeviceID validates whether a string is a 4 digit hexadecimal number,
// the format used for USB vendor and product IDs.
func IsDeviceID(value string) error {
	_, err := strconv.ParseUint(value, 16, 16)
	if err != nil || len(value) != 4 {
		return fmt.Errorf("Invalid value %q, must be a 4 digit hexadecimal ID", value)
	}

	return nil
}

// IsUUID validates whether a value is a canonical 36 character UUID.
func IsUUID(value string) error {
	if len(value) != 36 {
		return fmt.Errorf("Invalid UUID %q: wrong length", value)
	}

	_, err := uuid.Parse(value)
	if err != nil {
		return fmt.Errorf("Invalid UUID %q: %w", value, err)
	}

	return nil
}
