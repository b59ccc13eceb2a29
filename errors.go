package apcluster

import (
	"errors"
	"fmt"

	"github.com/hupe1980/apcluster/comm"
)

var (
	// ErrInvalidConfig is wrapped by every configuration error.
	ErrInvalidConfig = errors.New("apcluster: invalid configuration")

	// ErrNotSquare is returned when the similarity matrix is not N×N.
	ErrNotSquare = errors.New("apcluster: similarity matrix is not square")

	// ErrMissingPreference is returned when the similarity matrix has no
	// "preference" attribute.
	ErrMissingPreference = errors.New("apcluster: similarity matrix has no preference attribute")

	// ErrNoClusters reports a run in which no point became an exemplar.
	// It is informational: Run succeeds and writes empty outputs.
	ErrNoClusters = errors.New("apcluster: no clusters found")

	// ErrAborted is returned by ranks whose peers failed.
	ErrAborted = comm.ErrAborted
)

// ConfigError describes a configuration problem. Rank 0 detects it and
// every rank of the group returns an equal ConfigError.
//
// It matches ErrInvalidConfig, and ErrNotSquare or ErrMissingPreference
// where applicable, via errors.Is.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
	kind   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("apcluster: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("apcluster: invalid %s %s: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() []error {
	if e.kind != nil {
		return []error{ErrInvalidConfig, e.kind}
	}
	return []error{ErrInvalidConfig}
}

func configError(field string, value any, reason string) *ConfigError {
	return &ConfigError{Field: field, Value: fmt.Sprint(value), Reason: reason}
}

// configErrorWire is the broadcast form of a ConfigError.
type configErrorWire struct {
	Field  string `json:"field"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
}

func (e *ConfigError) wire() *configErrorWire {
	w := &configErrorWire{Field: e.Field, Value: e.Value, Reason: e.Reason}
	switch e.kind {
	case ErrNotSquare:
		w.Kind = "not_square"
	case ErrMissingPreference:
		w.Kind = "missing_preference"
	}
	return w
}

func (w *configErrorWire) err() *ConfigError {
	e := &ConfigError{Field: w.Field, Value: w.Value, Reason: w.Reason}
	switch w.Kind {
	case "not_square":
		e.kind = ErrNotSquare
	case "missing_preference":
		e.kind = ErrMissingPreference
	}
	return e
}

// StoreError is an I/O failure on a dataset of the container.
//
// The original underlying error can be accessed via errors.Unwrap.
type StoreError struct {
	Dataset string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("apcluster: %s %s: %v", e.Op, e.Dataset, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeError(op, dataset string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Dataset: dataset, Op: op, Err: err}
}
