package astiav

import (
	"context"

	"github.com/xaionaro-go/avtransmux/internal"
)

func setFinalizerFree[T interface{ Free() }](
	ctx context.Context,
	freer T,
) {
	internal.SetFinalizerFree(ctx, freer)
}
