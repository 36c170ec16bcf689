package prism_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
)

func TestErrorCodeRecoverable(t *testing.T) {
	recoverable := map[prism.ErrorCode]bool{
		prism.ConnectionLost:       true,
		prism.PoolExhausted:        true,
		prism.AcquireTimeout:       true,
		prism.ConnectTimeout:       true,
		prism.StatementTimeout:     true,
		prism.Deadlock:             true,
		prism.SerializationFailure: true,
	}
	for _, code := range prism.Codes() {
		t.Run(code.String(), func(t *testing.T) {
			assert.Equal(t, recoverable[code], code.Recoverable())
			assert.Equal(t, recoverable[code], prism.New(code, "x").Recoverable)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := prism.New(prism.RecordNotFound, "no user").
		With("model", "User").
		With("operation", "find_unique")
	assert.Equal(t, "prism: RecordNotFound: no user [model=User operation=find_unique]", err.Error())

	cause := errors.New("broken pipe")
	err = prism.New(prism.ConnectionLost, "exec").WithCause(cause)
	assert.Equal(t, "prism: ConnectionLost: exec: broken pipe", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorIs(t *testing.T) {
	err := prism.New(prism.RecordNotFound, "no user")
	wrapped := fmt.Errorf("wrapper: %w", err)
	assert.ErrorIs(t, wrapped, prism.ErrRecordNotFound)
	assert.NotErrorIs(t, wrapped, prism.ErrTooManyResults)
	assert.True(t, prism.IsNotFound(wrapped))
	assert.False(t, prism.IsNotFound(nil))
	assert.False(t, prism.IsNotFound(errors.New("other")))
}

func TestErrorWithDoesNotMutate(t *testing.T) {
	base := prism.New(prism.Internal, "x").With("a", "1")
	derived := base.With("b", "2")
	assert.Len(t, base.Context, 1)
	assert.Len(t, derived.Context, 2)
	assert.Empty(t, base.Suggestion)
	assert.Equal(t, "hint", base.WithSuggestion("hint").Suggestion)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, prism.Wrap(prism.Internal, nil, "x"))

	cause := errors.New("boom")
	err := prism.Wrap(prism.TypeConversion, cause, "decode")
	assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
	assert.ErrorIs(t, err, cause)

	// Already classified errors keep their code.
	classified := prism.New(prism.Deadlock, "victim")
	assert.Same(t, classified, prism.Wrap(prism.Internal, classified, "x"))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, prism.Internal, prism.CodeOf(errors.New("plain")))
	assert.Equal(t, prism.Deadlock, prism.CodeOf(fmt.Errorf("w: %w", prism.New(prism.Deadlock, ""))))
	assert.True(t, prism.IsRecoverable(prism.New(prism.Deadlock, "")))
	assert.False(t, prism.IsRecoverable(errors.New("plain")))
	assert.False(t, prism.IsRecoverable(nil))
}

func TestIsConstraintError(t *testing.T) {
	for _, code := range []prism.ErrorCode{prism.UniqueConstraint, prism.ForeignKeyConstraint, prism.NotNullConstraint, prism.CheckConstraint} {
		assert.True(t, prism.IsConstraintError(prism.New(code, "")), code.String())
	}
	assert.False(t, prism.IsConstraintError(prism.New(prism.SQLSyntax, "")))
	assert.False(t, prism.IsConstraintError(nil))
}

func TestAggregateError(t *testing.T) {
	t.Run("NoErrors", func(t *testing.T) {
		assert.Nil(t, prism.NewAggregateError())
		assert.Nil(t, prism.NewAggregateError(nil, nil))
	})

	t.Run("SingleError", func(t *testing.T) {
		single := errors.New("single error")
		assert.Equal(t, single, prism.NewAggregateError(nil, single))
	})

	t.Run("MultipleErrors", func(t *testing.T) {
		err1 := errors.New("error 1")
		err2 := prism.New(prism.Deadlock, "error 2")
		err := prism.NewAggregateError(err1, err2)
		require.NotNil(t, err)
		assert.Contains(t, err.Error(), "multiple errors")
		assert.ErrorIs(t, err, err1)
		assert.ErrorIs(t, err, &prism.Error{Code: prism.Deadlock})
	})
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "SqlSyntax", prism.SQLSyntax.String())
	assert.Equal(t, "ErrorCode(200)", prism.ErrorCode(200).String())
}
