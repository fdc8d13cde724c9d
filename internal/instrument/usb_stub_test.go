//go:build !usbtmc

package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnector_USBNeedsBuildTag(t *testing.T) {
	c := NewConnector(ConnectorConfig{})
	_, err := c.Open(context.Background(), "USB0::0x05E6::0x6510::04510741::INSTR")
	assert.ErrorIs(t, err, ErrUSBUnavailable)
}
