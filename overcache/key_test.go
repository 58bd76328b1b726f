package overcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_StringIsOrderInsensitive(t *testing.T) {
	a := NewKey("recipe", "kitchen_id", "k1", "recipe_id", "r1")
	b := NewKey("recipe", "recipe_id", "r1", "kitchen_id", "k1")
	require.Equal(t, a.String(), b.String())
	require.True(t, a.Equal(b))
	require.Equal(t, "recipe?kitchen_id=k1&recipe_id=r1", a.String())

	require.False(t, a.Equal(NewKey("recipes", "kitchen_id", "k1", "recipe_id", "r1")))
	require.Equal(t, "recipes", NewKey("recipes").String())
}

func TestKey_EscapesValues(t *testing.T) {
	k := NewKey("search", "q", "a&b=c")
	require.Equal(t, "search?q=a%26b%3Dc", k.String())
	require.False(t, k.Equal(NewKey("search", "q", "a", "b", "c")))
}

func TestPrefix_Matches(t *testing.T) {
	k := NewKey("recipe", "kitchen_id", "k1", "recipe_id", "r1")

	cases := []struct {
		name   string
		prefix Prefix
		want   bool
	}{
		{"resource only", Prefix{Resource: "recipe"}, true},
		{"partial filter", Prefix{Resource: "recipe", Filter: Filter{"kitchen_id": "k1"}}, true},
		{"full filter", PrefixOf(k), true},
		{"other tenant", Prefix{Resource: "recipe", Filter: Filter{"kitchen_id": "k2"}}, false},
		{"unknown param", Prefix{Resource: "recipe", Filter: Filter{"user_id": "u"}}, false},
		{"other resource", Prefix{Resource: "recipes"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.prefix.Matches(k))
		})
	}
}
