package device

import (
	"context"

	"golang.org/x/time/rate"

	"bufcache/internal/common"
)

// Throttled wraps a device with a token-bucket limit on transfer rate,
// simulating slow media. Useful for exercising the cache's behavior when
// per-slot locks are held across long device waits.
type Throttled struct {
	dev BlockDevice
	lim *rate.Limiter
}

var _ BlockDevice = (*Throttled)(nil)

// Throttle limits dev to at most transfersPerSec block transfers per second.
func Throttle(dev BlockDevice, transfersPerSec float64) *Throttled {
	return &Throttled{
		dev: dev,
		lim: rate.NewLimiter(rate.Limit(transfersPerSec), 1),
	}
}

func (t *Throttled) ReadBlock(ctx context.Context, blockNo common.BlockNo, dst []byte) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.dev.ReadBlock(ctx, blockNo, dst)
}

func (t *Throttled) WriteBlock(ctx context.Context, blockNo common.BlockNo, src []byte) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.dev.WriteBlock(ctx, blockNo, src)
}

func (t *Throttled) Close() error {
	return t.dev.Close()
}
