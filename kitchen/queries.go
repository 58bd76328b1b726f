// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kitchen

import (
	"embed"

	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/overquery"
)

// Migrations holds the kitchen schema in golang-migrate layout.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// PGQueries maps every query resource to its SQL for overquery.PGFetcher.
func PGQueries() map[overcache.Resource]overquery.PGQuery {
	return map[overcache.Resource]overquery.PGQuery{
		ResourceRecipes: {
			SQL: `SELECT id, kitchen_id, category_id, name, servings, notes
				FROM recipes WHERE kitchen_id = @kitchen_id ORDER BY name, id`,
			List: true,
		},
		ResourceRecipe: {
			SQL: `SELECT r.id, r.kitchen_id, r.category_id, r.name, r.servings, r.notes,
				coalesce((SELECT json_agg(c ORDER BY c.position, c.id)
					FROM recipe_components c WHERE c.recipe_id = r.id), '[]'::json) AS components
				FROM recipes r WHERE r.id = @recipe_id`,
		},
		ResourceCategories: {
			SQL: `SELECT id, kitchen_id, name, position
				FROM categories WHERE kitchen_id = @kitchen_id ORDER BY position, id`,
			List: true,
		},
		ResourceIngredients: {
			SQL: `SELECT id, kitchen_id, name, unit, is_preparation
				FROM ingredients WHERE kitchen_id = @kitchen_id ORDER BY name, id`,
			List: true,
		},
		ResourceIngredient: {
			SQL: `SELECT id, kitchen_id, name, unit, is_preparation
				FROM ingredients WHERE id = @ingredient_id`,
		},
		ResourcePreparation: {
			SQL: `SELECT p.id, p.kitchen_id, p.ingredient_id, p.name, p.yield_quantity, p.yield_unit,
				coalesce((SELECT json_agg(c ORDER BY c.id)
					FROM preparation_components c WHERE c.preparation_id = p.id), '[]'::json) AS components
				FROM preparations p WHERE p.id = @preparation_id`,
		},
	}
}
