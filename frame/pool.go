// pool.go implements a pool for reusing astiav.Frame objects.

package frame

import (
	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/pool"
)

var Pool = pool.NewPool(
	astiav.AllocFrame,
	func(f *astiav.Frame) { f.Unref() },
	func(f *astiav.Frame) { f.Free() },
)
