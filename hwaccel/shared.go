package hwaccel

import (
	"context"

	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/types"
	"go.uber.org/atomic"
)

// sharedResource is an accelerator resource released when its last
// handle is released.
type sharedResource struct {
	refs       atomic.Int64
	free       func()
	deviceType string
	kind       string
}

func newSharedResource(
	deviceType types.HardwareDeviceType,
	kind string,
	free func(),
) *handle {
	r := &sharedResource{
		free:       free,
		deviceType: deviceType.String(),
		kind:       kind,
	}
	r.refs.Store(1)
	metrics.HardwareHandles.WithLabelValues(r.deviceType, r.kind).Inc()
	return &handle{resource: r}
}

type handle struct {
	resource *sharedResource
	released atomic.Bool
}

func (h *handle) ref() (*handle, error) {
	if h.released.Load() {
		return nil, types.ErrProtocol{Op: "ref", State: "the handle is already released"}
	}
	h.resource.refs.Inc()
	metrics.HardwareHandles.WithLabelValues(h.resource.deviceType, h.resource.kind).Inc()
	return &handle{resource: h.resource}, nil
}

// release is idempotent per handle.
func (h *handle) release(ctx context.Context) {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	metrics.HardwareHandles.WithLabelValues(h.resource.deviceType, h.resource.kind).Dec()
	if h.resource.refs.Dec() != 0 {
		return
	}
	logger.Debugf(ctx, "freeing the %s %s", h.resource.deviceType, h.resource.kind)
	h.resource.free()
}

func (h *handle) refCount() int64 {
	return h.resource.refs.Load()
}
