//go:build consul

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"fleetgate/pkg/model"
)

// ConsulEnabled reports whether consul support is compiled in.
func ConsulEnabled() bool { return true }

// ConsulSource lists node descriptors stored as JSON values under a KV
// prefix, one key per node. Requires the consul build tag.
type ConsulSource struct {
	cli    *consulapi.Client
	prefix string
	log    *zap.Logger
}

func NewConsulSource(addr, prefix string, log *zap.Logger) (*ConsulSource, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulSource{cli: cli, prefix: prefix, log: log}, nil
}

func (c *ConsulSource) Name() string { return model.SourceConsul }

func (c *ConsulSource) Fetch(ctx context.Context) ([]model.Node, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := c.cli.KV().List(c.prefix, q)
	if err != nil {
		return nil, fmt.Errorf("consul list %s: %w", c.prefix, err)
	}

	var out []model.Node
	for _, p := range pairs {
		var n model.Node
		if err := json.Unmarshal(p.Value, &n); err != nil {
			c.log.Warn("skipping malformed node descriptor",
				zap.String("key", p.Key), zap.Error(err))
			continue
		}
		if n.ID == "" || n.Addr == "" {
			continue
		}
		n.Source = model.SourceConsul
		out = append(out, n)
	}
	return out, nil
}

// Watch runs blocking queries against the prefix and calls onChange once
// per observed change until ctx is canceled. Errors back off a second so a
// consul outage does not spin the loop.
func (c *ConsulSource) Watch(ctx context.Context, onChange func()) {
	go func() {
		q := &consulapi.QueryOptions{}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, meta, err := c.cli.KV().List(c.prefix, q.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("consul watch failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if meta.LastIndex != q.WaitIndex {
				if q.WaitIndex != 0 {
					onChange()
				}
				q.WaitIndex = meta.LastIndex
			}
		}
	}()
}
