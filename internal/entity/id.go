package entity

import (
	"strconv"
	"sync/atomic"
	"time"
)

var idCounter atomic.Uint64

// NewID returns an id that is unique within the process: the current unix
// millisecond timestamp followed by a monotonically increasing counter.
// Files and chunks share this id space.
func NewID() string {
	n := idCounter.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + strconv.FormatUint(n, 10)
}
