package listing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRawListingValidate(t *testing.T) {
	t.Parallel()

	valid := RawListing{ID: "1", Title: "Phone", URL: "/item/1"}
	require.NoError(t, valid.Validate())

	cases := map[string]RawListing{
		"missing id":    {Title: "Phone", URL: "/item/1"},
		"missing title": {ID: "1", Title: "  ", URL: "/item/1"},
		"missing url":   {ID: "1", Title: "Phone"},
	}
	for name, item := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := item.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestNormalizeKeepsRawFields(t *testing.T) {
	t.Parallel()

	raw := RawListing{ID: "42", Title: "iPhone 13 128gb", Price: 45000, URL: "/i/42"}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))

	got := Normalize(raw, Classification{
		NormalizedTitle: " iPhone 13 ",
		Category:        "Смартфоны",
		KeySpecs:        "128GB",
	}, at)

	require.Equal(t, raw, got.RawListing)
	require.Equal(t, "iPhone 13", got.NormalizedTitle)
	require.Equal(t, "Смартфоны", got.Category)
	require.Equal(t, "128GB", got.KeySpecs)
	require.Equal(t, time.UTC, got.NormalizedAt.Location())
	require.True(t, got.NormalizedAt.Equal(at))
}

func TestAbsoluteURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, ref, want string
	}{
		{"https://www.avito.ru", "/moskva/telefony/iphone_1", "https://www.avito.ru/moskva/telefony/iphone_1"},
		{"https://www.avito.ru/moskva?p=2", "/item", "https://www.avito.ru/item"},
		{"https://www.avito.ru", "https://cdn.example.com/x", "https://cdn.example.com/x"},
		{"", "/item", "/item"},
		{"https://www.avito.ru", "", ""},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, AbsoluteURL(tc.base, tc.ref), "base=%q ref=%q", tc.base, tc.ref)
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.avito.ru", Origin("https://www.avito.ru/moskva/telefony?p=3"))
	require.Empty(t, Origin("not a url"))
}
