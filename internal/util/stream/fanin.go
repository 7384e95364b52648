package stream

import "sync"

// FanIn merges streams into a single channel, which is closed once every
// input has been closed. Values from the same input keep their order.
func FanIn[T any](streams ...<-chan T) <-chan T {
	out := make(chan T, len(streams))

	var wg sync.WaitGroup
	wg.Add(len(streams))

	for _, s := range streams {
		go func(s <-chan T) {
			defer wg.Done()
			for v := range s {
				out <- v
			}
		}(s)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
