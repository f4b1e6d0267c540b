package device

import (
	"fmt"

	"github.com/notargets/gocca"
	"go.uber.org/zap"
)

// DefaultBackends lists OCCA device properties in order of preference
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice creates a Device from the first backend that initializes.
// When props is empty DefaultBackends is tried.
func CreateDevice(log *zap.Logger, props ...string) (*gocca.OCCADevice, error) {
	if log == nil {
		log = zap.NewNop()
	}
	backends := props
	if len(backends) == 0 {
		backends = DefaultBackends
	}
	var lastErr error
	for _, p := range backends {
		device, err := gocca.NewDevice(p)
		if err == nil {
			log.Info("created device", zap.String("mode", device.Mode()))
			return device, nil
		}
		log.Debug("device backend unavailable", zap.String("props", p), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA backend available: %w", lastErr)
}
