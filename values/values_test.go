package values

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual_NormalizesNumbersAcrossRepresentations(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"int vs float", 10, 10.0, true},
		{"decimal vs numeric string", decimal.RequireFromString("12.50"), "12.5", true},
		{"json number vs int", json.Number("3"), int64(3), true},
		{"different numbers", 3, "4", false},
		{"number vs word", 3, "three", false},
		{"strings", "New", "New", true},
		{"case sensitive", "new", "New", false},
		{"nil vs nil", nil, nil, true},
		{"nil vs empty string", nil, "", false},
		{"bools", true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Equal(tc.a, tc.b))
		})
	}
}

func TestEqual_ComparesListsElementWise(t *testing.T) {
	assert.True(t, Equal([]any{1}, []any{json.Number("1.0")}))
	assert.True(t, Equal([]int{1, 2}, []any{"1.00", 2.0}))
	assert.True(t, Equal([]any{[]any{1}}, []any{[]any{decimal.RequireFromString("1.0")}}))
	assert.False(t, Equal([]any{1}, []any{1, 1}))
	assert.False(t, Equal([]any{1, 2}, []any{2, 1}))
	assert.False(t, Equal([]any{1}, 1))
}

func TestEqual_NormalizesDates(t *testing.T) {
	d := NewDate(time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC))
	assert.True(t, Equal(d, "2024-03-09"))
	assert.False(t, Equal(d, "2024-03-10"))

	instant := time.Date(2024, 3, 9, 12, 0, 0, 0, time.FixedZone("x", 2*3600))
	assert.True(t, Equal(instant, "2024-03-09T10:00:00Z"))
	assert.True(t, Equal(instant, "2024-03-09T12:00:00+02:00"))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(5, "4.5")
	require.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = Compare("2024-01-01", NewDate(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = Compare("2024-01-01", "2024-01-01T00:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 0, c)

	c, ok = Compare("apple", "banana")
	require.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare(5, "five")
	assert.False(t, ok)
	_, ok = Compare("2024-01-01", "soon")
	assert.False(t, ok)
	_, ok = Compare(nil, 1)
	assert.False(t, ok)
	_, ok = Compare(true, false)
	assert.False(t, ok)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(""))
	assert.True(t, IsEmpty([]any{}))
	assert.True(t, IsEmpty(map[string]any{}))
	assert.False(t, IsEmpty(0))
	assert.False(t, IsEmpty(false))
	assert.False(t, IsEmpty([]string{"a"}))
}

func TestLookup(t *testing.T) {
	root := map[string]any{
		"status": "New",
		"custom_fields": map[string]any{
			"tier": "gold",
			"nested": map[string]any{
				"flag": nil,
			},
		},
	}

	v, ok := Lookup(root, "status")
	require.True(t, ok)
	assert.Equal(t, "New", v)

	v, ok = Lookup(root, "custom_fields.tier")
	require.True(t, ok)
	assert.Equal(t, "gold", v)

	v, ok = Lookup(root, "custom_fields.nested.flag")
	require.True(t, ok)
	assert.Nil(t, v)

	_, ok = Lookup(root, "custom_fields.missing")
	assert.False(t, ok)
	_, ok = Lookup(root, "status.length")
	assert.False(t, ok)
	_, ok = Lookup(root, "")
	assert.False(t, ok)
}

func TestDateJSON(t *testing.T) {
	d, err := ParseDate("2025-12-31")
	require.NoError(t, err)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"2025-12-31"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Equal(d.Time))
}
