package usecase

import (
	"errors"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// StageError tags a collaborator failure with its error type.
type StageError struct {
	Type domain.ErrorType
	Err  error
}

func (e *StageError) Error() string { return string(e.Type) + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(t domain.ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Type: t, Err: err}
}

// ErrorTypeOf classifies err for the error log.
func ErrorTypeOf(err error) domain.ErrorType {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se.Type
	case errors.Is(err, ErrScorer):
		return domain.ErrorTypeScorer
	}
	return domain.ErrorTypeInternal
}
