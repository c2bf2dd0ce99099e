package canonical

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestMarshal_SortsKeysAndKeepsHTML(t *testing.T) {
	out, err := Marshal(map[string]any{
		"b":    "<b>&</b>",
		"a":    json.Number("1"),
		"nest": map[string]any{"z": true, "y": nil},
	})

	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"<b>&</b>","nest":{"y":null,"z":true}}`, string(out))
}

func TestMarshal_NumbersNormalized(t *testing.T) {
	// Same value written three different ways must produce identical bytes
	a, err := Marshal(decode(t, `{"amount": 10}`))
	require.NoError(t, err)
	b, err := Marshal(decode(t, `{"amount": 10.0}`))
	require.NoError(t, err)
	c, err := Marshal(map[string]any{"amount": float64(10)})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, string(a), string(c))

	frac, err := Marshal(decode(t, `{"amount": 10.25}`))
	require.NoError(t, err)
	assert.Equal(t, `{"amount":10.25}`, string(frac))
}

func TestMarshal_NFCNormalization(t *testing.T) {
	// "é" composed vs decomposed
	composed, err := Marshal(map[string]any{"name": "Café"})
	require.NoError(t, err)
	decomposed, err := Marshal(map[string]any{"name": "Café"})
	require.NoError(t, err)

	assert.Equal(t, string(composed), string(decomposed))
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]any{"x": json.Number("NaN")})
	assert.Error(t, err)
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(decode(t, `{"first_name":"Ada","last_name":"Lovelace","age":36}`))
	require.NoError(t, err)
	h2, err := Hash(decode(t, `{"age":36,"last_name":"Lovelace","first_name":"Ada"}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_DifferentContentDiffers(t *testing.T) {
	h1, err := Hash(map[string]any{"status": "scheduled"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"status": "cancelled"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestMarshal_Golden(t *testing.T) {
	cases := map[string]string{
		"appointment": `{
			"id": "6f1c1a52-8c1e-4f1e-9a3b-2f0c7c7d2a11",
			"patient_id": "0b8f2a9e-3d4c-4e5f-8a7b-1c2d3e4f5a6b",
			"status": "scheduled",
			"notes": "Follow-up <2 weeks> & labs",
			"scheduled_for": "2026-03-01T09:30:00Z",
			"duration_minutes": 30,
			"updated_at": "2026-02-20T12:00:00Z"
		}`,
		"transaction": `{
			"id": "c2d4e6f8-0a1b-4c3d-8e5f-7a9b1c3d5e7f",
			"amount": 1250.50,
			"currency": "NGN",
			"reference": "TXN-000451",
			"metadata": {"channel": "pos", "retries": 0},
			"tags": ["copay", "outpatient"],
			"reversed": false,
			"updated_at": "2026-02-20T12:00:00Z"
		}`,
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := Marshal(decode(t, input))
			require.NoError(t, err)
			g.Assert(t, name, out)
		})
	}
}
