package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alekkss/avito/internal/listing"
)

func TestPagerPageURL(t *testing.T) {
	t.Parallel()

	p, err := NewPager("https://WWW.Avito.ru:443/moskva/telefony?s=104#top", "")
	require.NoError(t, err)

	require.Equal(t, 1, p.StartPage())
	require.Equal(t, "https://www.avito.ru/moskva/telefony?s=104", p.PageURL(1))
	require.Equal(t, "https://www.avito.ru/moskva/telefony?p=3&s=104", p.PageURL(3))
}

func TestPagerStartPageFromURL(t *testing.T) {
	t.Parallel()

	p, err := NewPager("https://www.avito.ru/moskva/telefony?p=4", "p")
	require.NoError(t, err)
	require.Equal(t, 4, p.StartPage())
	require.Equal(t, "https://www.avito.ru/moskva/telefony", p.PageURL(1))
}

func TestPagerIdentity(t *testing.T) {
	t.Parallel()

	p, err := NewPager("https://www.avito.ru/moskva/telefony", "p")
	require.NoError(t, err)

	testCases := []struct {
		name string
		a, b string
		same bool
	}{
		{"param order", "https://www.avito.ru/moskva/telefony?p=2&utm=x", "https://www.avito.ru/moskva/telefony?utm=y&p=2", true},
		{"missing page is page one", "https://www.avito.ru/moskva/telefony", "https://www.avito.ru/moskva/telefony?p=1", true},
		{"trailing slash", "https://www.avito.ru/moskva/telefony/", "https://www.avito.ru/moskva/telefony", true},
		{"garbage page is page one", "https://www.avito.ru/moskva/telefony?p=abc", "https://www.avito.ru/moskva/telefony", true},
		{"different page", "https://www.avito.ru/moskva/telefony?p=2", "https://www.avito.ru/moskva/telefony?p=3", false},
		{"different path", "https://www.avito.ru/moskva/noutbuki?p=2", "https://www.avito.ru/moskva/telefony?p=2", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.same, p.Identity(tc.a) == p.Identity(tc.b))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("  HTTP://Example.com:80/a?b=2&a=1#frag ")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/a?a=1&b=2", got)

	_, err = NormalizeURL("http://%zz")
	require.Error(t, err)
}

func TestListingSetSplit(t *testing.T) {
	t.Parallel()

	set := newListingSet()
	fresh, dups := set.Split(nil)
	require.Empty(t, fresh)
	require.Zero(t, dups)

	fresh, dups = set.Split([]listing.RawListing{{ID: "1"}, {ID: "2"}})
	require.Len(t, fresh, 2)
	require.Zero(t, dups)

	fresh, dups = set.Split([]listing.RawListing{{ID: "2"}, {ID: "3"}})
	require.Equal(t, []listing.RawListing{{ID: "3"}}, fresh)
	require.Equal(t, 1, dups)
	require.Len(t, set.All(), 3)
}

func TestVisitTracker(t *testing.T) {
	t.Parallel()

	tr := newVisitTracker()
	require.False(t, tr.MarkIfNew(""))
	require.True(t, tr.MarkIfNew("a#1"))
	require.False(t, tr.MarkIfNew("a#1"))
	require.True(t, tr.MarkIfNew("a#2"))
}
