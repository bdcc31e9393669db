package config

import "fmt"

// FileError means the config file could not be opened
type FileError struct {
	Path     string
	InnerErr error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("unable to open file %s: %s", e.Path, e.InnerErr)
}

func (e *FileError) Unwrap() error { return e.InnerErr }

// ValidationError means the config contents are not valid
type ValidationError struct {
	InnerErr error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid config: %s", e.InnerErr) }
func (e *ValidationError) Unwrap() error { return e.InnerErr }

// EnvError means an environment variable holds a value its setting cannot take
type EnvError struct {
	EnvVar   string
	InnerErr error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.EnvVar, e.InnerErr)
}

func (e *EnvError) Unwrap() error { return e.InnerErr }
