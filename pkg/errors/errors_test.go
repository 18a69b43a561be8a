package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))

	err := Wrap(ErrNotFound, "failed to get record %s", "abc")
	assert.EqualError(t, err, "failed to get record abc: resource not found")
	assert.True(t, Is(err, ErrNotFound))
}

func TestMark(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Mark(cause, ErrStorageUnavailable)

	assert.True(t, Is(err, ErrStorageUnavailable))
	assert.True(t, Is(err, cause))
	assert.Same(t, err, Mark(err, ErrStorageUnavailable))
	assert.Nil(t, Mark(nil, ErrStorageUnavailable))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{ErrNotFound, true},
		{Wrap(ErrVersionConflict, "update"), true},
		{ErrValidation, true},
		{ErrCrossTenantDenied, true},
		{Wrap(ErrDuplicate, "store"), true},
		{ErrStorageUnavailable, false},
		{fmt.Errorf("i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}
