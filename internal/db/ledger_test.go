package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientCreditsError(t *testing.T) {
	err := &InsufficientCreditsError{Required: 8}
	assert.Equal(t, "insufficient credits: 8 required", err.Error())
}

func TestInsufficientCreditsErrorUnwrapsThroughWrapping(t *testing.T) {
	// The submission handler sees this error through the transaction wrapper;
	// errors.As must still find it.
	wrapped := fmt.Errorf("submission failed: %w", &InsufficientCreditsError{Required: 5})

	var insufficient *InsufficientCreditsError
	require.True(t, errors.As(wrapped, &insufficient))
	assert.Equal(t, 5, insufficient.Required)
}
