package usbid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canonical/vusbd/shared/usbid"
)

func TestPackUnpack(t *testing.T) {
	tests := []struct {
		bus int
		dev int
		id  int
	}{
		{1, 1, 0},
		{1, 3, 2},
		{1, 128, 127},
		{2, 1, 128},
		{3, 7, 262},
		{128, 128, 16383},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.id, usbid.Pack(tt.bus, tt.dev))

		bus, dev := usbid.Unpack(tt.id)
		assert.Equal(t, tt.bus, bus)
		assert.Equal(t, tt.dev, dev)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for bus := 1; bus <= 128; bus++ {
		for dev := 1; dev <= 128; dev++ {
			gotBus, gotDev := usbid.Unpack(usbid.Pack(bus, dev))
			if gotBus != bus || gotDev != dev {
				t.Fatalf("Round trip failed for (%d, %d): got (%d, %d)", bus, dev, gotBus, gotDev)
			}
		}
	}
}
