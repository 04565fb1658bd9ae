package discovery

import (
	"context"

	"fleetgate/pkg/model"
)

// Source lists node descriptors from one authority. Fetch returns the
// source's full current set; the refresher owns diffing that against the
// registry, so a source never mutates gateway state itself.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.Node, error)
}
