package domain_test

import (
	"errors"
	"testing"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

var pool = []domain.Asset{
	{ID: "web-1", Labels: map[string]string{"role": "web", "zone": "a"}},
	{ID: "web-2", Labels: map[string]string{"role": "web", "zone": "b"}},
	{ID: "db-1", Labels: map[string]string{"role": "db", "zone": "a"}},
}

func TestSelection_StaticPreservesOrder(t *testing.T) {
	spec := domain.SelectionSpec{
		Type:   domain.SelectionStatic,
		Assets: []domain.AssetID{"db-1", "web-1"},
	}
	got, err := spec.Resolve(pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "db-1" || got[1].ID != "web-1" {
		t.Fatalf("resolved %v, want [db-1 web-1]", got)
	}
}

func TestSelection_StaticUnknownAsset(t *testing.T) {
	spec := domain.SelectionSpec{
		Type:   domain.SelectionStatic,
		Assets: []domain.AssetID{"web-1", "ghost"},
	}
	_, err := spec.Resolve(pool)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSelection_SelectorMatchesAllLabels(t *testing.T) {
	spec := domain.SelectionSpec{
		Type:     domain.SelectionSelector,
		Selector: &domain.AssetSelector{MatchLabels: map[string]string{"role": "web", "zone": "a"}},
	}
	got, err := spec.Resolve(pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "web-1" {
		t.Fatalf("resolved %v, want [web-1]", got)
	}
}

func TestSelection_All(t *testing.T) {
	got, err := domain.SelectionSpec{Type: domain.SelectionAll}.Resolve(pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(pool) {
		t.Fatalf("resolved %d assets, want %d", len(got), len(pool))
	}
}

func TestSelection_SelectorRequired(t *testing.T) {
	_, err := domain.SelectionSpec{Type: domain.SelectionSelector}.Resolve(pool)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}
