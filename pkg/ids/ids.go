// Package ids provides the snowflake ID generator shared by every writer.
package ids

import (
	"hash/fnv"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("ids",
	fx.Provide(NewNode),
)

// NewNode builds the process-wide generator. The worker id comes from
// SNOWFLAKE_NODE_ID when set; otherwise it is derived from the hostname so
// replicas in the same deployment rarely collide.
func NewNode() (*snowflake.Node, error) {
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		return snowflake.NewNode(id % 1024)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	return snowflake.NewNode(int64(h.Sum32() % 1024))
}
