package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBarcodes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{}},
		{"single", "4001234567", []string{"4001234567"}},
		{"mixed separators", " 111, 222;333\n444\t555 ", []string{"111", "222", "333", "444", "555"}},
		{"only separators", " ,;; ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitBarcodes(tt.input)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidator_BarcodeLimit(t *testing.T) {
	v := NewValidator(Limits{MaxBarcodes: 3, MaxImageBytes: 1000})

	require.NoError(t, v.Check("1 2 3", nil))

	err := v.Check("1 2 3 4", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBarcodeLimitExceeded))
	assert.Equal(t, CodeBarcodeLimitExceeded, CodeOf(err))
	assert.False(t, AsError(err).Retryable())
}

func TestValidator_ImageBudget(t *testing.T) {
	v := NewValidator(Limits{MaxBarcodes: 3, MaxImageBytes: 1000})

	require.NoError(t, v.Check("", []int64{400, 600}))

	err := v.Check("", []int64{400, 601})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImagePayloadTooLarge))
}

func TestValidator_BarcodeCheckRunsFirst(t *testing.T) {
	v := NewValidator(Limits{MaxBarcodes: 1, MaxImageBytes: 10})

	err := v.Check("1 2", []int64{100})
	assert.Equal(t, CodeBarcodeLimitExceeded, CodeOf(err))
}

func TestValidator_ZeroLimitsDisableChecks(t *testing.T) {
	v := NewValidator(Limits{})
	assert.NoError(t, v.Check("1 2 3 4 5 6", []int64{1 << 40}))
}
