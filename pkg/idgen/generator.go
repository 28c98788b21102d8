package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out locally unique user ids.
type Generator interface {
	NewID() string
}

// SnowflakeGenerator implements Generator using Twitter Snowflake ids.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator initializes a new ID generator.
// nodeID must be unique per server instance (0-1023) to prevent collisions.
func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &SnowflakeGenerator{node: node}, nil
}

// NewID returns a new id in base58, 11 characters for current timestamps.
func (g *SnowflakeGenerator) NewID() string {
	return g.node.Generate().Base58()
}
