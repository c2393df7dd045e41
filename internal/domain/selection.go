package domain

import (
	"fmt"
)

// SelectionType identifies the kind of asset selection.
type SelectionType string

const (
	SelectionStatic   SelectionType = "static"
	SelectionAll      SelectionType = "all"
	SelectionSelector SelectionType = "selector"
)

// AssetSelector selects assets by label matching. All labels in the
// selector must be present and equal on the asset.
type AssetSelector struct {
	MatchLabels map[string]string
}

// SelectionSpec is the caller-provided specification of which registered
// assets a deployment targets. The resolved set is frozen on the
// deployment at creation; later registry changes do not affect it.
type SelectionSpec struct {
	Type     SelectionType
	Assets   []AssetID      // for "static"
	Selector *AssetSelector // for "selector"
}

// Resolve selects assets from the registered pool according to the spec.
// The returned order follows the spec's asset order for static selection
// and the pool order otherwise.
func (s SelectionSpec) Resolve(pool []Asset) ([]Asset, error) {
	switch s.Type {
	case SelectionStatic:
		index := make(map[AssetID]Asset, len(pool))
		for _, a := range pool {
			index[a.ID] = a
		}
		result := make([]Asset, 0, len(s.Assets))
		for _, id := range s.Assets {
			a, ok := index[id]
			if !ok {
				return nil, fmt.Errorf("%w: asset %q not registered", ErrNotFound, id)
			}
			result = append(result, a)
		}
		return result, nil

	case SelectionAll:
		result := make([]Asset, len(pool))
		copy(result, pool)
		return result, nil

	case SelectionSelector:
		if s.Selector == nil {
			return nil, fmt.Errorf("%w: selector selection requires an asset selector", ErrInvalidArgument)
		}
		var result []Asset
		for _, a := range pool {
			if matchLabels(a.Labels, s.Selector.MatchLabels) {
				result = append(result, a)
			}
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: unsupported selection type %q", ErrInvalidArgument, s.Type)
	}
}

func matchLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
