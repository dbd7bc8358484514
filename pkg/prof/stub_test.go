//go:build !profile

package prof

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStub_NoOps(t *testing.T) {
	assert.False(t, Enabled)
	s := &Session{CPU: "/nonexistent/dir/cpu.prof"}
	assert.NoError(t, s.Start())
	assert.NoError(t, s.Stop())

	l, err := Serve("bad address")
	assert.NoError(t, err)
	assert.Nil(t, l)
}
