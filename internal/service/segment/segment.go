// Package segment generates recognition run identifiers.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out run ids of the form "<sessionKey>-utt-<n>". The counter
// is shared by every session using the generator.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionKey string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", sessionKey, n)
}
