package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassRequest(t *testing.T) {
	tests := []struct {
		name    string
		in      bool
		request uint8
		itf     uint8
		wantRT  uint8
	}{
		{"get ntb parameters", true, 0x80, 0, 0xA1},
		{"set packet filter", false, 0x43, 0, 0x21},
		{"dap interface", true, 0x01, 2, 0xA1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ClassRequest(tt.in, tt.request, 0, tt.itf, 4)
			assert.Equal(t, tt.wantRT, s.RequestType)
			assert.Equal(t, tt.in, s.IsDeviceToHost())
			assert.True(t, s.IsClass())
			assert.False(t, s.IsStandard())
			assert.True(t, s.IsInterfaceRecipient())
			assert.Equal(t, tt.itf, s.InterfaceNumber())
		})
	}
}

func TestSelectAlternate(t *testing.T) {
	s := SelectAlternate(1, 1)
	assert.True(t, s.IsStandard())
	assert.False(t, s.IsDeviceToHost())
	assert.Equal(t, uint8(RequestSetInterface), s.Request)
	assert.Equal(t, uint16(1), s.Value)
	assert.Equal(t, "out/std/1 req=0x0b val=0x0001 idx=0x0001 len=0", s.String())

	s.RequestType = RequestTypeVendor | RequestRecipientDevice
	assert.True(t, s.IsVendor())
	assert.Equal(t, uint8(RequestRecipientDevice), s.Recipient())
}

func TestControlStageString(t *testing.T) {
	assert.Equal(t, "setup", StageSetup.String())
	assert.Equal(t, "data", StageData.String())
	assert.Equal(t, "ack", StageAck.String())
	assert.Equal(t, "stage(7)", ControlStage(7).String())
}
