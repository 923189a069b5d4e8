package connection

import (
	"context"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"

	"github.com/trainerble/core/internal/protocol"
)

// Discovered is one scan result, narrowed to what trainer-cli scan
// needs: address, advertised name, and the inferred hardware model.
type Discovered struct {
	Address       string
	Name          string
	RSSI          int
	HardwareModel protocol.HardwareModel
	New           bool // false when this address was already seen this scan
}

// Scanner wraps ble.Device.Scan, adapted and narrowed from the
// teacher's goble.bleScanner (no generic device.Advertisement
// indirection; callers only care about name-prefix recognition). A
// concurrent dedup map, the same structure the teacher's own
// scanner.Scanner uses to track devices across advertisement
// callbacks, distinguishes a first sighting from an RSSI update.
type Scanner struct{}

// NewScanner constructs a Scanner over the shared DeviceFactory.
func NewScanner() *Scanner { return &Scanner{} }

// Scan runs until ctx is cancelled, invoking onFound for every
// advertisement whose local name matches a recognized prefix (§6).
// Advertisement callbacks arrive on the BLE stack's own goroutine and
// may repeat per address; hashmap.Map gives lock-free dedup without
// the caller needing to manage its own mutex.
func (s *Scanner) Scan(ctx context.Context, onFound func(Discovered)) error {
	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)

	seen := hashmap.New[string, protocol.HardwareModel]()

	handler := func(adv ble.Advertisement) {
		name := adv.LocalName()
		if name == "" {
			return
		}
		model := protocol.ModelFromName(name)
		if model == protocol.HardwareUnknown {
			return
		}
		address := strings.ToLower(adv.Addr().String())
		_, alreadySeen := seen.Get(address)
		seen.Set(address, model)

		onFound(Discovered{
			Address:       address,
			Name:          name,
			RSSI:          adv.RSSI(),
			HardwareModel: model,
			New:           !alreadySeen,
		})
	}

	return NormalizeError(dev.Scan(ctx, true, handler))
}

// ScanTimeout is the default bring-up scan window used by trainer-cli.
const ScanTimeout = 10 * time.Second
