package validation

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

var (
	ErrInvalidAddr       = errors.New("invalid listen address")
	ErrEmptyString       = errors.New("value must not be empty")
	ErrOutOfRange        = errors.New("value out of range")
	ErrInvalidUUID       = errors.New("value is not a valid UUID")
	ErrUnknownOperation  = errors.New("unknown operation type")
)

var operationTypes = map[string]struct{}{
	"TALLY":                {},
	"PARTIAL_DECRYPT":      {},
	"COMPENSATED_DECRYPT":  {},
	"COMBINE":              {},
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(field, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, field)
	}
	return nil
}

func ValidateUUID(field, s string) error {
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidUUID, field)
	}
	return nil
}

func ValidateOperationType(s string) error {
	if _, ok := operationTypes[s]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
	return nil
}

func ValidateRangeInt(field string, v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrOutOfRange, field, v, min, max)
	}
	return nil
}
