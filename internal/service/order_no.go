package service

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrderNoGenerator issues order numbers: the UTC date followed by a
// snowflake id, e.g. 20261015 1846102938475520000 without the space.
// Numbers sort by creation time and never collide within a node.
type OrderNoGenerator struct {
	node *snowflake.Node
}

func NewOrderNoGenerator(nodeID int64) (*OrderNoGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &OrderNoGenerator{node: node}, nil
}

func (g *OrderNoGenerator) Next(now time.Time) string {
	return now.UTC().Format("20060102") + g.node.Generate().String()
}
