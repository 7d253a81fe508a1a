package controller

import (
	"sort"
	"sync"
)

// ModelCatalog answers which analysis models the cluster can serve.
type ModelCatalog interface {
	Has(modelCode string) bool
}

// StaticCatalog is a fixed, concurrency-safe model set, seeded at
// startup and optionally extended when nodes announce capabilities.
type StaticCatalog struct {
	lock  sync.RWMutex
	codes map[string]bool
}

func NewStaticCatalog(codes ...string) *StaticCatalog {
	c := &StaticCatalog{codes: make(map[string]bool)}
	for _, code := range codes {
		c.codes[code] = true
	}
	return c
}

func (c *StaticCatalog) Has(modelCode string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.codes[modelCode]
}

func (c *StaticCatalog) Add(modelCode string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.codes[modelCode] = true
}

func (c *StaticCatalog) List() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make([]string, 0, len(c.codes))
	for code := range c.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
