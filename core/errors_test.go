package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultCodeOf(t *testing.T) {
	testCases := []struct {
		err  error
		want ResultCode
	}{
		{nil, EOK},
		{fmt.Errorf("read: %w", ErrNoLedger), ENoLedger},
		{ErrNoEntry, ENoEntry},
		{ErrInvalidArgument, EBadRequest},
		{ErrNullArgument, EBadRequest},
		{ErrAccessDenied, EUnauthorized},
		{fmt.Errorf("add: %w", ErrLedgerFenced), EFenced},
		{ErrDiskFull, EReadOnly},
		{errors.New("boom"), EIO},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ResultCodeOf(tc.err), "error %v", tc.err)
	}
}

func TestCorruptionError(t *testing.T) {
	err := fmt.Errorf("replay: %w", &CorruptionError{Path: "00000001.jrn", Offset: 30, Reason: "checksum mismatch"})
	assert.True(t, IsCorruption(err))
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.False(t, IsCorruption(ErrNoEntry))
}
