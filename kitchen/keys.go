// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kitchen

import "github.com/mobiletoly/go-overcache/overcache"

// Watched tables
const (
	TableRecipes               = "recipes"
	TableRecipeComponents      = "recipe_components"
	TableCategories            = "categories"
	TableIngredients           = "ingredients"
	TablePreparations          = "preparations"
	TablePreparationComponents = "preparation_components"
)

// Query resources. List and detail views of one table are distinct resources.
const (
	ResourceRecipes     overcache.Resource = "recipes"
	ResourceRecipe      overcache.Resource = "recipe"
	ResourceCategories  overcache.Resource = "categories"
	ResourceIngredients overcache.Resource = "ingredients"
	ResourceIngredient  overcache.Resource = "ingredient"
	ResourcePreparation overcache.Resource = "preparation"
)

// Filter parameter names
const (
	ParamKitchenID     = overcache.DefaultTenantParam
	ParamRecipeID      = "recipe_id"
	ParamIngredientID  = "ingredient_id"
	ParamPreparationID = "preparation_id"
)

func RecipesKey(kitchenID string) overcache.Key {
	return overcache.NewKey(ResourceRecipes, ParamKitchenID, kitchenID)
}

func RecipeKey(recipeID string) overcache.Key {
	return overcache.NewKey(ResourceRecipe, ParamRecipeID, recipeID)
}

func CategoriesKey(kitchenID string) overcache.Key {
	return overcache.NewKey(ResourceCategories, ParamKitchenID, kitchenID)
}

func IngredientsKey(kitchenID string) overcache.Key {
	return overcache.NewKey(ResourceIngredients, ParamKitchenID, kitchenID)
}

func IngredientKey(ingredientID string) overcache.Key {
	return overcache.NewKey(ResourceIngredient, ParamIngredientID, ingredientID)
}

func PreparationKey(preparationID string) overcache.Key {
	return overcache.NewKey(ResourcePreparation, ParamPreparationID, preparationID)
}
