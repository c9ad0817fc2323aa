package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeystoreJSON(t *testing.T, n int) (string, []ed25519.PrivateKey) {
	t.Helper()
	doc := keystoreDoc{ActiveKID: "k0"}
	privs := make([]ed25519.PrivateKey, 0, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		privs = append(privs, priv)
		doc.Keys = append(doc.Keys, keystoreKey{
			KID:        fmt.Sprintf("k%d", i),
			PublicKey:  hex.EncodeToString(pub),
			PrivateKey: base64.RawURLEncoding.EncodeToString(priv.Seed()),
		})
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(b), privs
}

func TestRegistry_LoadInline(t *testing.T) {
	inline, _ := testKeystoreJSON(t, 3)
	r, err := NewRegistry(Sources{InlineJSON: inline}, time.Minute)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Len(t, snap.Keys(), 3)
	assert.Equal(t, "k0", snap.ActiveKID)

	// Stable kid order.
	kids := []string{}
	for _, k := range snap.Keys() {
		kids = append(kids, k.KID)
	}
	assert.Equal(t, []string{"k0", "k1", "k2"}, kids)

	active, ok := r.Active()
	require.True(t, ok)
	assert.NotNil(t, active.Private)
}

func TestRegistry_LoadFile(t *testing.T) {
	inline, _ := testKeystoreJSON(t, 1)
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte(inline), 0o600))

	r, err := NewRegistry(Sources{Path: path}, time.Minute)
	require.NoError(t, err)
	assert.Len(t, r.Snapshot().Keys(), 1)
}

func TestRegistry_SinglePublicKeyEnv(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	r, err := NewRegistry(Sources{SinglePublicKey: base64.StdEncoding.EncodeToString(pub)}, time.Minute)
	require.NoError(t, err)

	k, ok := r.Get("env-key")
	require.True(t, ok)
	assert.Equal(t, []byte(pub), []byte(k.Public))
}

func TestRegistry_DuplicateKIDRejected(t *testing.T) {
	pub1, _, _ := ed25519.GenerateKey(rand.Reader)
	pub2, _, _ := ed25519.GenerateKey(rand.Reader)
	doc := keystoreDoc{ActiveKID: "a", Keys: []keystoreKey{
		{KID: "a", PublicKey: hex.EncodeToString(pub1)},
		{KID: "a", PublicKey: hex.EncodeToString(pub2)},
	}}
	b, _ := json.Marshal(doc)
	_, err := NewRegistry(Sources{InlineJSON: string(b)}, time.Minute)
	assert.ErrorIs(t, err, ErrKeyLoad)
}

func TestRegistry_DuplicatePublicKeyRejected(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	doc := keystoreDoc{ActiveKID: "a", Keys: []keystoreKey{
		{KID: "a", PublicKey: hex.EncodeToString(pub)},
		{KID: "b", PublicKey: hex.EncodeToString(pub)},
	}}
	b, _ := json.Marshal(doc)
	_, err := NewRegistry(Sources{InlineJSON: string(b)}, time.Minute)
	assert.ErrorIs(t, err, ErrKeyLoad)
}

func TestRegistry_InvalidKeyCountedNotFatal(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	doc := keystoreDoc{ActiveKID: "good", Keys: []keystoreKey{
		{KID: "good", PublicKey: hex.EncodeToString(pub)},
		{KID: "short", PublicKey: "deadbeef"},
	}}
	b, _ := json.Marshal(doc)
	r, err := NewRegistry(Sources{InlineJSON: string(b)}, time.Minute)
	require.NoError(t, err)
	assert.Len(t, r.Snapshot().Keys(), 1)
	assert.Equal(t, 1, r.RejectedKeys())
}

func TestRegistry_RotationGrace(t *testing.T) {
	inline, _ := testKeystoreJSON(t, 1)
	r, err := NewRegistry(Sources{InlineJSON: inline}, time.Minute)
	require.NoError(t, err)

	// Replace the keyset entirely; old kid must remain resolvable in grace.
	replacement, _ := testKeystoreJSON(t, 1)
	var doc keystoreDoc
	require.NoError(t, json.Unmarshal([]byte(replacement), &doc))
	doc.Keys[0].KID = "replacement"
	doc.ActiveKID = "replacement"
	b, _ := json.Marshal(doc)
	r.sources.InlineJSON = string(b)
	require.NoError(t, r.Reload())

	_, ok := r.Get("k0")
	assert.True(t, ok, "old kid resolvable inside grace window")

	_, ok = r.Get("replacement")
	assert.True(t, ok)

	// After the grace window expires the old kid disappears.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok = r.Get("k0")
	assert.False(t, ok)
}

func TestRegistry_Rotate(t *testing.T) {
	inline, _ := testKeystoreJSON(t, 1)
	r, err := NewRegistry(Sources{InlineJSON: inline}, time.Minute)
	require.NoError(t, err)

	kid, err := r.Rotate()
	require.NoError(t, err)
	assert.Equal(t, kid, r.Snapshot().ActiveKID)

	// Previous key is still in the active set, not just the grace window.
	_, ok := r.Snapshot().Get("k0")
	assert.True(t, ok)
}

func TestRegistry_PublicDocument(t *testing.T) {
	inline, _ := testKeystoreJSON(t, 2)
	r, err := NewRegistry(Sources{InlineJSON: inline}, time.Minute)
	require.NoError(t, err)

	doc := r.PublicDocument()
	ks, ok := doc["keys"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, ks, 2)
	assert.Equal(t, "OKP", ks[0]["kty"])
	assert.Equal(t, "k0", doc["active_kid"])
}

func TestDecodeKeyMaterial_Formats(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	cases := []string{
		hex.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
		"  " + hex.EncodeToString(raw) + "\n",
	}
	for _, c := range cases {
		got, err := DecodeKeyMaterial(c)
		require.NoError(t, err, c)
		assert.Equal(t, raw, got)
	}
}
