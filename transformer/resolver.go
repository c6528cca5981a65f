package transformer

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/eddielth/heatpump-core/models"
)

// DeviceLookup finds a provisioned device by site and device external ids.
// Implementations return an error wrapping storage.ErrNotFound for unknown devices.
type DeviceLookup interface {
	FindDevice(ctx context.Context, siteExternalID, deviceExternalID string) (models.Device, error)
}

// DeviceResolver caches successful lookups. Misses are never cached so newly
// provisioned devices are accepted on their next message.
type DeviceResolver struct {
	lookup DeviceLookup
	cache  cmap.ConcurrentMap[string, models.Device]
}

// NewDeviceResolver wraps lookup with a concurrent positive cache
func NewDeviceResolver(lookup DeviceLookup) *DeviceResolver {
	return &DeviceResolver{
		lookup: lookup,
		cache:  cmap.New[models.Device](),
	}
}

// Resolve returns the device identified by site and device external ids
func (r *DeviceResolver) Resolve(ctx context.Context, site, device string) (models.Device, error) {
	key := site + "/" + device
	if d, ok := r.cache.Get(key); ok {
		return d, nil
	}

	d, err := r.lookup.FindDevice(ctx, site, device)
	if err != nil {
		return models.Device{}, err
	}

	// only identity fields are read from the cached copy; LastSeenAt goes stale
	r.cache.Set(key, d)
	return d, nil
}

// Forget drops a cached device, e.g. after it was re-provisioned
func (r *DeviceResolver) Forget(site, device string) {
	r.cache.Remove(site + "/" + device)
}
