package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeysAtEveryLevel(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := CanonicalJSON(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	b, err := CanonicalJSON(map[string]string{"html": "<tag> & 'x'"})
	require.NoError(t, err)
	require.Equal(t, `{"html":"<tag> & 'x'"}`, string(b))
}

func TestCanonicalJSON_PreservesArrayOrder(t *testing.T) {
	b, err := CanonicalJSON(map[string]interface{}{"items": []interface{}{3, 1, 2}})
	require.NoError(t, err)
	require.Equal(t, `{"items":[3,1,2]}`, string(b))
}

func TestCanonicalJSON_NFCNormalizesStrings(t *testing.T) {
	// "é" as NFD (e + combining acute) must canonicalize to the same bytes
	// as NFC "é".
	nfd := "é"
	nfc := "é"

	bNFD, err := CanonicalJSON(nfd)
	require.NoError(t, err)
	bNFC, err := CanonicalJSON(nfc)
	require.NoError(t, err)
	require.Equal(t, bNFC, bNFD)
}

// TestDeterminism_ReorderedKeysSameHash verifies Testable Property 1: for semantically-equal
// reconstructions with reordered keys and re-created objects, the hash is
// identical.
func TestDeterminism_ReorderedKeysSameHash(t *testing.T) {
	a := map[string]interface{}{"steps": []interface{}{1, 2}, "version": "1.0"}
	b := map[string]interface{}{"version": "1.0", "steps": []interface{}{1, 2}}

	hA, err := CanonicalHash(a)
	require.NoError(t, err)
	hB, err := CanonicalHash(b)
	require.NoError(t, err)
	require.Equal(t, hA, hB)
}

func TestCanonicalHash_Format(t *testing.T) {
	h, err := CanonicalHash(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, h)
}

func TestCrossCheck_AgreesWithReferenceJCS(t *testing.T) {
	input := []byte(`{"b":2,"a":1}`)
	ref, err := CrossCheck(input)
	require.NoError(t, err)

	ours, err := CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, string(ref), string(ours))
}
