//go:build !consul

package discovery

import (
	"context"

	"go.uber.org/zap"

	"fleetgate/pkg/model"
)

// ConsulEnabled reports whether consul support is compiled in.
func ConsulEnabled() bool { return false }

// ConsulSource is inert without the consul build tag: it announces no
// nodes, so a consul-configured gateway still runs on its other sources.
type ConsulSource struct{}

func NewConsulSource(addr, _ string, log *zap.Logger) (*ConsulSource, error) {
	log.Warn("consul discovery requested but binary built without consul tag; source disabled",
		zap.String("addr", addr))
	return &ConsulSource{}, nil
}

func (c *ConsulSource) Name() string { return model.SourceConsul }

func (c *ConsulSource) Fetch(context.Context) ([]model.Node, error) { return nil, nil }

func (c *ConsulSource) Watch(context.Context, func()) {}
