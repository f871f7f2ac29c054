package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseResponse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		text string
		want []Result
	}{
		{
			name: "plain array",
			text: `[{"avito_id":"1","normalized_title":"Apple iPhone 13 128GB","product_category":"Смартфон","key_specs":"128GB"}]`,
			want: []Result{{ID: "1", NormalizedTitle: "Apple iPhone 13 128GB", Category: "Смартфон", KeySpecs: "128GB"}},
		},
		{
			name: "json fence",
			text: "Вот результат:\n```json\n[{\"avito_id\":\"2\",\"normalized_title\":\" Pixel 7 \",\"product_category\":\"Смартфон\",\"key_specs\":\"\"}]\n```\nГотово.",
			want: []Result{{ID: "2", NormalizedTitle: "Pixel 7", Category: "Смартфон", KeySpecs: ""}},
		},
		{
			name: "bare fence",
			text: "```\n[{\"avito_id\":\"3\",\"normalized_title\":\"X\",\"product_category\":\"Y\",\"key_specs\":\"Z\"}]\n```",
			want: []Result{{ID: "3", NormalizedTitle: "X", Category: "Y", KeySpecs: "Z"}},
		},
		{
			name: "numeric id keeps every digit",
			text: `[{"avito_id":4123456789012,"normalized_title":"X","product_category":"Y","key_specs":"Z"}]`,
			want: []Result{{ID: "4123456789012", NormalizedTitle: "X", Category: "Y", KeySpecs: "Z"}},
		},
		{
			name: "empty array",
			text: `[]`,
			want: []Result{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseResponse(tc.text, nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseResponseSkipsIncompleteElements(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	text := `[
		{"avito_id":"1","normalized_title":"A","product_category":"B","key_specs":"C"},
		{"avito_id":"2","normalized_title":"A","product_category":"B"},
		"not an object",
		{"avito_id":"3","normalized_title":"D","product_category":"E","key_specs":"F"}
	]`

	got, err := ParseResponse(text, zap.New(core))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, "3", got[1].ID)
	require.Equal(t, 1, logs.FilterMessage("Classifier result is missing fields").Len())
	require.Equal(t, 1, logs.FilterMessage("Classifier result is not an object").Len())
}

func TestParseResponseMalformed(t *testing.T) {
	t.Parallel()

	for _, text := range []string{
		"",
		"Извините, не могу помочь",
		`{"avito_id":"1"}`,
		`[{"avito_id":"1",]`,
		`] backwards [`,
	} {
		_, err := ParseResponse(text, zap.NewNop())
		require.ErrorIs(t, err, ErrMalformedResponse, text)
	}
}
