/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/intermernet/pitchfilter/internal/engine"
	"github.com/intermernet/pitchfilter/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "web_port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWeb()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateAudio()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateWeb() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.WebAddr) == "" {
		errors = append(errors, ValidationError{
			Field:   "web_addr",
			Value:   c.WebAddr,
			Message: "must not be empty",
		})
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		errors = append(errors, ValidationError{
			Field:   "web_port",
			Value:   c.WebPort,
			Message: "must be between 0 and 65535",
		})
	}

	return errors
}

func (c *Config) validateEngine() []ValidationError {
	opts := engine.Options{
		FrameSize:    c.Engine.FrameSize,
		Oversampling: c.Engine.Oversampling,
	}
	if err := opts.Validate(); err != nil {
		return []ValidationError{{
			Field:   "engine",
			Value:   fmt.Sprintf("frame_size=%d oversampling=%d", c.Engine.FrameSize, c.Engine.Oversampling),
			Message: err.Error(),
		}}
	}
	return nil
}

func (c *Config) validateAudio() []ValidationError {
	var errors []ValidationError

	if c.Audio.PeriodFrames <= 0 {
		errors = append(errors, ValidationError{
			Field:   "audio.period_frames",
			Value:   c.Audio.PeriodFrames,
			Message: "must be positive",
		})
	}
	if c.Audio.Periods <= 0 {
		errors = append(errors, ValidationError{
			Field:   "audio.periods",
			Value:   c.Audio.Periods,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if !slices.Contains(logging.ValidFormats(), strings.ToLower(c.Logging.Format)) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidFormats(), ", ")),
		})
	}

	return errors
}
