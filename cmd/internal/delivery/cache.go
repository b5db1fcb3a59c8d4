package delivery

import lru "github.com/hashicorp/golang-lru"

const (
	// seqCacheSize bounds how many chats the Sequencer keeps a cached last seq for.
	seqCacheSize = 10_000

	// participantCacheSize bounds how many chats the Router keeps participants for.
	participantCacheSize = 10_000
)

// newLRU returns a thread-safe LRU holding at most size entries. Evicted entries are
// reloaded from the store on next use.
func newLRU(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err) // size <= 0
	}
	return c
}
