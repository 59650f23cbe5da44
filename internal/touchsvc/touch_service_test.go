package touchsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wulf7/utouch/internal/hidsvc"
)

func testDevice() hidsvc.HidDevice {
	return hidsvc.HidDevice{
		Address: hidsvc.Address{Backend: "linux", ID: "0eef:0001:0"},
		BackendDevice: hidsvc.BackendDevice{
			ID:        "0eef:0001:0",
			Name:      "eGalax Touch",
			VendorID:  0x0EEF,
			ProductID: 0x0001,
		},
		Name: "eGalax Touch",
	}
}

func TestMatchSpec(t *testing.T) {
	dev := testDevice()
	testCases := []struct {
		name string
		spec MatchSpec
		want bool
	}{
		{"empty matches all", MatchSpec{}, true},
		{"backend match", MatchSpec{Backend: "linux"}, true},
		{"backend mismatch", MatchSpec{Backend: "bluetooth"}, false},
		{"vendor match", MatchSpec{Vendor: "0eef"}, true},
		{"vendor match with prefix", MatchSpec{Vendor: "0x0eef"}, true},
		{"vendor wildcard", MatchSpec{Vendor: "*"}, true},
		{"vendor mismatch", MatchSpec{Vendor: "046d"}, false},
		{"product match", MatchSpec{Product: "0001"}, true},
		{"product mismatch", MatchSpec{Product: "0002"}, false},
		{"invalid hex", MatchSpec{Vendor: "zz"}, false},
		{"full match", MatchSpec{Backend: "linux", Vendor: "0eef", Product: "0001"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.spec.matches(dev))
		})
	}
}

func TestMatchDevice(t *testing.T) {
	dev := testDevice()

	rules := []DeviceRule{
		{Match: MatchSpec{Vendor: "046d"}, Attach: false},
		{Match: MatchSpec{Vendor: "0eef"}, Attach: true, Grab: true},
		{Attach: false},
	}
	rule, ok := matchDevice(rules, dev)
	assert.True(t, ok)
	assert.True(t, rule.Attach)
	assert.True(t, rule.Grab)

	_, ok = matchDevice(nil, dev)
	assert.False(t, ok)
}

func TestDefaultConfigAttachesEverything(t *testing.T) {
	rule, ok := matchDevice(DefaultConfig().Devices, testDevice())
	assert.True(t, ok)
	assert.True(t, rule.Attach)
	assert.True(t, rule.Grab)
}
