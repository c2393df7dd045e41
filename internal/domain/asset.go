package domain

// MaxCriticality is the highest criticality weight an asset can carry.
// Anomalies on assets at this weight are escalated one severity level.
const MaxCriticality = 3

// Asset describes a registered target of patch rollouts. It is the full
// state the platform knows: stored in the asset repository, passed to the
// change executor and the metric source, and exposed via the API.
type Asset struct {
	ID          AssetID
	Name        string
	Address     string
	Labels      map[string]string
	Criticality int // 0 (lowest) .. MaxCriticality
}

// AssetID identifies a registered asset.
type AssetID string

// AssetIDs returns the IDs of the given assets, preserving order.
func AssetIDs(assets []Asset) []AssetID {
	out := make([]AssetID, len(assets))
	for i, a := range assets {
		out[i] = a.ID
	}
	return out
}
