package ipc

import (
	"sync"

	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/mm"
)

var (
	initOnce sync.Once
	list     []*SharedMem
)

// Init builds every configured channel's physical backing from pool and
// is called exactly once, by the master CPU, before any other CPU can
// observe the channel list -- the same build_once/access-everywhere split
// config.Init uses. Subsequent calls are no-ops.
func Init(pool *mm.PagePool) error {
	var err error
	initOnce.Do(func() {
		cfg := config.Table().SharedMem
		built := make([]*SharedMem, len(cfg))
		for i, sm := range cfg {
			var sh *SharedMem
			sh, err = NewSharedMem(i, pool, sm.Size)
			if err != nil {
				return
			}
			built[i] = sh
		}
		list = built
	})
	return err
}

// Lookup returns the channel with the given id, set up by Init.
func Lookup(id int) (*SharedMem, bool) {
	if list == nil {
		panic("ipc: Lookup() called before Init()")
	}
	if id < 0 || id >= len(list) {
		return nil, false
	}
	return list[id], true
}

// ResetForTest clears the package-level channel list so tests can call
// Init repeatedly. Only intended for _test.go use.
func ResetForTest() {
	initOnce = sync.Once{}
	list = nil
}
