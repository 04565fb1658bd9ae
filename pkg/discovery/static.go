package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fleetgate/pkg/model"
)

// StaticSource reads node descriptors from a JSON seed file:
//
//	[{"id": "r1", "subnet": "tenant-a", "addr": "http://10.0.0.1:8100"}, ...]
//
// The file is re-read on every refresh so operators can edit the fleet
// without restarting the gateway.
type StaticSource struct {
	Path string
}

func NewStaticSource(path string) *StaticSource {
	return &StaticSource{Path: path}
}

func (s *StaticSource) Name() string { return model.SourceStatic }

func (s *StaticSource) Fetch(_ context.Context) ([]model.Node, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var nodes []model.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", s.Path, err)
	}

	out := nodes[:0]
	for _, n := range nodes {
		if n.ID == "" || n.Addr == "" {
			continue // descriptor too incomplete to route to
		}
		n.Source = model.SourceStatic
		out = append(out, n)
	}
	return out, nil
}
