package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Parallel calls fn(i) for every i in [0, n) on at most GOMAXPROCS
// goroutines and waits for all of them. A panic inside fn is re-raised on
// the calling goroutine once every call has finished.
func Parallel(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("parallel task %d: %v", i, r)
				}
			}()
			fn(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
}
