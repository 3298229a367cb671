package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLanguage is returned for a declared language the engine
	// has no pipeline for.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrImageMissing is returned when the selected runtime image is not
	// present on the Docker host. Images are never pulled by the engine.
	ErrImageMissing = errors.New("runtime image not available")
)

// ConfigError reports a caller or deployment mistake detected before any
// container was started. No job directory exists when it is returned.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(stage string, err error) error {
	return &ConfigError{Stage: stage, Err: err}
}

// IsConfigError reports whether err is a configuration-class failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
