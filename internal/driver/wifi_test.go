package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logctx.Logger {
	return logctx.New(logctx.Options{Writer: io.Discard, Level: logctx.LevelError})
}

func TestBuildFrame_DatarateAndPortBitsDoNotOverlap(t *testing.T) {
	w := NewWiFiInjector(radio.FamilyWiFi80211, testLogger(), nil)

	frame := w.BuildFrame(0, []byte{0xAA, 0xBB}, 0xDEADBEEF, datarate.Rate(-3), 7, true)

	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(frame.Bytes[0:4]))
	assert.Equal(t, uint32(uint32(int32(-3))), binary.LittleEndian.Uint32(frame.Bytes[4:8]))
	assert.Equal(t, byte(7), frame.Bytes[8])
	assert.Equal(t, byte(1), frame.Bytes[9])
	assert.Equal(t, []byte{0xAA, 0xBB}, frame.Bytes[frameHeaderSize:])
}

func TestWriteFrame_SocketOpenFailureReturnsRetry(t *testing.T) {
	w := NewWiFiInjector(radio.FamilyWiFi80211, testLogger(), func(int) (int, error) {
		return -1, errors.New("no such device")
	})

	res, err := w.WriteFrame(context.Background(), radio.Interface{Index: 0}, Frame{Bytes: []byte{1}})
	assert.Error(t, err)
	assert.Equal(t, WriteRetry, res)
}
