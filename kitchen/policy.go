// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kitchen

import (
	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/overfeed"
)

func tenantList(resource overcache.Resource, kitchenID string) overcache.Prefix {
	return overcache.Prefix{Resource: resource, Filter: overcache.Filter{ParamKitchenID: kitchenID}}
}

// Policies returns the routing policy of every watched table.
func Policies() []overcache.Handler {
	return []overcache.Handler{
		&overcache.TablePolicy[Recipe]{
			TableName:    TableRecipes,
			ID:           func(r Recipe) string { return r.ID },
			Tenant:       func(r Recipe) string { return r.KitchenID },
			ListResource: ResourceRecipes,
			PatchList:    true,
			DetailKey:    func(r Recipe) overcache.Key { return RecipeKey(r.ID) },
		},
		&overcache.TablePolicy[RecipeComponent]{
			TableName: TableRecipeComponents,
			ID:        func(c RecipeComponent) string { return c.ID },
			Dependents: func(c RecipeComponent, _ string) ([]overcache.Prefix, bool) {
				if c.RecipeID == "" {
					return nil, false
				}
				return []overcache.Prefix{overcache.PrefixOf(RecipeKey(c.RecipeID))}, true
			},
			BroadResources: []overcache.Resource{ResourceRecipe},
		},
		&overcache.TablePolicy[Category]{
			TableName:    TableCategories,
			ID:           func(c Category) string { return c.ID },
			Tenant:       func(c Category) string { return c.KitchenID },
			ListResource: ResourceCategories,
			PatchList:    true,
			// recipe lists are grouped by category
			Dependents: func(_ Category, kitchenID string) ([]overcache.Prefix, bool) {
				return []overcache.Prefix{tenantList(ResourceRecipes, kitchenID)}, true
			},
		},
		&overcache.TablePolicy[Ingredient]{
			TableName:     TableIngredients,
			ID:            func(i Ingredient) string { return i.ID },
			Tenant:        func(i Ingredient) string { return i.KitchenID },
			ListResource:  ResourceIngredients,
			PatchList:     true,
			DetailKey:     func(i Ingredient) overcache.Key { return IngredientKey(i.ID) },
			DetailFromRow: true,
		},
		&overcache.TablePolicy[Preparation]{
			TableName: TablePreparations,
			ID:        func(p Preparation) string { return p.ID },
			Tenant:    func(p Preparation) string { return p.KitchenID },
			DetailKey: func(p Preparation) overcache.Key { return PreparationKey(p.ID) },
			Dependents: func(p Preparation, kitchenID string) ([]overcache.Prefix, bool) {
				deps := []overcache.Prefix{tenantList(ResourceIngredients, kitchenID)}
				if p.IngredientID != "" {
					deps = append(deps, overcache.PrefixOf(IngredientKey(p.IngredientID)))
				}
				return deps, true
			},
			BroadResources: []overcache.Resource{ResourceIngredients, ResourcePreparation},
		},
		&overcache.TablePolicy[PreparationComponent]{
			TableName: TablePreparationComponents,
			ID:        func(c PreparationComponent) string { return c.ID },
			Dependents: func(c PreparationComponent, _ string) ([]overcache.Prefix, bool) {
				if c.PreparationID == "" {
					return nil, false
				}
				return []overcache.Prefix{overcache.PrefixOf(PreparationKey(c.PreparationID))}, true
			},
			BroadResources: []overcache.Resource{ResourcePreparation},
		},
	}
}

// NewRouter creates a router with the kitchen policy table.
func NewRouter(cache *overcache.Cache, opts *overcache.RouterOptions) (*overcache.Router, error) {
	return overcache.NewRouter(cache, opts, Policies()...)
}

// ChannelSpec returns the realtime channel of a kitchen. Tables with a
// kitchen_id column are filtered by the feed; component tables arrive
// unfiltered and are scoped by the router.
func ChannelSpec(s overfeed.Session) overfeed.ChannelSpec {
	byKitchen := "kitchen_id=eq." + s.TenantID
	return overfeed.ChannelSpec{
		Name: "kitchen:" + s.TenantID,
		Tables: []overfeed.TableSubscription{
			{Table: TableRecipes, Filter: byKitchen},
			{Table: TableRecipeComponents},
			{Table: TableCategories, Filter: byKitchen},
			{Table: TableIngredients, Filter: byKitchen},
			{Table: TablePreparations, Filter: byKitchen},
			{Table: TablePreparationComponents},
		},
	}
}

// WatchedTables returns the tables whose triggers feed the channel.
func WatchedTables() []string {
	return []string{
		TableRecipes,
		TableRecipeComponents,
		TableCategories,
		TableIngredients,
		TablePreparations,
		TablePreparationComponents,
	}
}
