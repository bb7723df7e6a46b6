package calls

import (
	"math/rand"
	"sync"
)

// ssrcGenerator hands out non-zero signed 32-bit source tags, never repeating
// a value for the life of the generator.
type ssrcGenerator struct {
	mu     sync.Mutex
	next   func() uint32
	issued map[int32]struct{}
}

func newSSRCGenerator(next func() uint32) *ssrcGenerator {
	if next == nil {
		next = rand.Uint32
	}
	return &ssrcGenerator{next: next, issued: make(map[int32]struct{})}
}

func (g *ssrcGenerator) generate() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		candidate := int32(g.next())
		if candidate == 0 {
			continue
		}
		if _, seen := g.issued[candidate]; seen {
			continue
		}
		g.issued[candidate] = struct{}{}
		return candidate
	}
}
