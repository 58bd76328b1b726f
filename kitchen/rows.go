// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kitchen

// Row shapes of the watched tables, one per table. JSON names match the
// Postgres column names so change-feed rows and query results decode alike.

// Recipe is a row of recipes
type Recipe struct {
	ID         string  `json:"id"`
	KitchenID  string  `json:"kitchen_id"`
	CategoryID *string `json:"category_id"`
	Name       string  `json:"name"`
	Servings   int     `json:"servings"`
	Notes      *string `json:"notes"`
}

// RecipeComponent is a row of recipe_components. It carries no kitchen_id.
type RecipeComponent struct {
	ID           string  `json:"id"`
	RecipeID     string  `json:"recipe_id"`
	IngredientID string  `json:"ingredient_id"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	Position     int     `json:"position"`
}

// Category is a row of categories
type Category struct {
	ID        string `json:"id"`
	KitchenID string `json:"kitchen_id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
}

// Ingredient is a row of ingredients. Preparations are ingredients too and
// have IsPreparation set.
type Ingredient struct {
	ID            string `json:"id"`
	KitchenID     string `json:"kitchen_id"`
	Name          string `json:"name"`
	Unit          string `json:"unit"`
	IsPreparation bool   `json:"is_preparation"`
}

// Preparation is a row of preparations, the specialization of an ingredient
// made in-house from other ingredients.
type Preparation struct {
	ID            string  `json:"id"`
	KitchenID     string  `json:"kitchen_id"`
	IngredientID  string  `json:"ingredient_id"`
	Name          string  `json:"name"`
	YieldQuantity float64 `json:"yield_quantity"`
	YieldUnit     string  `json:"yield_unit"`
}

// PreparationComponent is a row of preparation_components. It carries no
// kitchen_id.
type PreparationComponent struct {
	ID            string  `json:"id"`
	PreparationID string  `json:"preparation_id"`
	IngredientID  string  `json:"ingredient_id"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
}

// RecipeDetail is the value of a recipe detail entry and its offline snapshot.
type RecipeDetail struct {
	Recipe
	Components []RecipeComponent `json:"components"`
}

// PreparationDetail is the value of a preparation detail entry and its
// offline snapshot.
type PreparationDetail struct {
	Preparation
	Components []PreparationComponent `json:"components"`
}
