package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("load document: %w", ErrNotFound)))
	assert.False(t, IsNotFound(errors.New("not found")))
	assert.False(t, IsNotFound(nil))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("title", "title is required")
	assert.Equal(t, `validation failed on "title": title is required`, err.Error())
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("reject: %w", err)))
	assert.False(t, IsValidation(ErrNotFound))

	fieldless := NewValidationError("", "body is not JSON")
	assert.Equal(t, "validation failed: body is not JSON", fieldless.Error())
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExecutionError("persist artifact version", cause)

	assert.Equal(t, "persist artifact version failed: connection reset", err.Error())
	assert.True(t, IsExecution(err))
	assert.ErrorIs(t, err, cause)

	bare := NewExecutionError("run tool", nil)
	assert.Equal(t, "run tool failed", bare.Error())
}

func TestTaxonomyIsDisjoint(t *testing.T) {
	assert.False(t, IsExecution(NewValidationError("f", "m")))
	assert.False(t, IsValidation(NewExecutionError("op", nil)))
	assert.False(t, IsNotFound(NewExecutionError("op", errors.New("x"))))
}
