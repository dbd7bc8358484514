package pkg

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransferStatus_String(t *testing.T) {
	assert.Equal(t, "success", TransferStatusSuccess.String())
	assert.Equal(t, "stall", TransferStatusStall.String())
	assert.Equal(t, "overrun", TransferStatusOverrun.String())
	assert.Equal(t, "unknown", TransferStatus(99).String())
	assert.Equal(t, "unknown", TransferStatus(-1).String())
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want TransferStatus
	}{
		{"nil", nil, TransferStatusSuccess},
		{"stall", ErrStall, TransferStatusStall},
		{"wrapped timeout", errors.Wrap(ErrTimeout, "read ep 0x81"), TransferStatusTimeout},
		{"cancelled", ErrCancelled, TransferStatusCancelled},
		{"reset", ErrReset, TransferStatusCancelled},
		{"overrun", errors.WithMessage(ErrOverrun, "ep 0x02"), TransferStatusOverrun},
		{"other", errors.New("boom"), TransferStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestLinkErrorsDistinct(t *testing.T) {
	errs := []error{
		ErrMalformedBlock,
		ErrTransport,
		ErrCapacity,
		ErrProtocolViolation,
		ErrQueueFull,
		ErrInvalidParameter,
	}
	for i, a := range errs {
		for j, b := range errs {
			if i != j {
				assert.NotErrorIs(t, a, b)
			}
		}
	}
}
