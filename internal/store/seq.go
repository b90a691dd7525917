package store

import "sync"

// seqGenerator hands out strictly increasing ids per table. Ids are never
// reused, even for rows that were never persisted.
type seqGenerator struct {
	mu       sync.Mutex
	perTable map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perTable: make(map[string]int64)}
}

func (g *seqGenerator) next(table string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perTable[table]++
	return g.perTable[table]
}

// observe raises the counter for table to at least id. Used when loading
// persisted rows so new ids continue after them.
func (g *seqGenerator) observe(table string, id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.perTable[table] {
		g.perTable[table] = id
	}
}
