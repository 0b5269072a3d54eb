package testutil

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/entity"
)

// SnowflakeAt builds a Discord-style snowflake created at ts with the given
// low bits (worker, process and increment).
func SnowflakeAt(ts time.Time, low int64) snowflake.ID {
	ms := ts.UnixMilli() - entity.DiscordEpoch
	return snowflake.ID(ms<<22 | (low & (1<<22 - 1)))
}

// IDs hands out unique snowflakes from a snowflake.Node for tests that need
// many distinct entities.
type IDs struct {
	once sync.Once
	node *snowflake.Node
	err  error
}

// Next returns a fresh snowflake. Panics if the node cannot be created.
func (g *IDs) Next() snowflake.ID {
	g.once.Do(func() {
		g.node, g.err = snowflake.NewNode(1)
	})
	if g.err != nil {
		panic(g.err)
	}
	return g.node.Generate()
}
