package internal

import (
	"context"

	"github.com/xaionaro-go/avtransmux/logger"
)

// Assert panics (through the logger) unless mustBeTrue.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	logger.Panic(ctx, "assertion failed", extraArgs)
}
