package models

import (
	"errors"
	"fmt"
)

// ErrConfigurationFault marks deployment problems: missing credentials,
// unreadable keys, requests that cannot be built. A batch run aborts on it.
var ErrConfigurationFault = errors.New("configuration fault")

var ErrNotFound = errors.New("payment record not found")

type ConfigurationError struct {
	Op          string
	Environment Environment
	Err         error
}

func (e *ConfigurationError) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Environment, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfigurationFault
}

func NewConfigurationError(op string, env Environment, err error) error {
	return &ConfigurationError{Op: op, Environment: env, Err: err}
}

func IsConfigurationFault(err error) bool {
	return errors.Is(err, ErrConfigurationFault)
}

// ErrLocked is returned by a Locker when the key is held by another cycle.
var ErrLocked = errors.New("lock is already held")
