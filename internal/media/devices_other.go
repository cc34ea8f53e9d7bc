//go:build !linux || !cgo

package media

import (
	"context"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/errors"
)

// DeviceAcquirer is only implemented on Linux (V4L2 + malgo via
// pion/mediadevices). Other platforms fall back to the static acquirer.
type DeviceAcquirer struct{}

// NewDeviceAcquirer reports capture as unavailable on this platform.
func NewDeviceAcquirer() (*DeviceAcquirer, error) {
	return nil, errNoCapture()
}

var _ Acquirer = (*DeviceAcquirer)(nil)

func (a *DeviceAcquirer) Acquire(_ context.Context, _ domain.CallType) (*Stream, error) {
	return nil, errNoCapture()
}

func (a *DeviceAcquirer) SwitchVideoSource(_ context.Context, _ *Stream) (*Track, error) {
	return nil, errNoCapture()
}

func errNoCapture() error {
	return errors.DeviceUnavailableError(
		errors.New(errors.ErrCodeDeviceUnavailable, "device capture not supported on this platform"))
}
