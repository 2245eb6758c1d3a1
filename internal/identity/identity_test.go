package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPairDerivation(t *testing.T) {
	pub, priv, err := NewKeyPair()
	require.NoError(t, err)

	again, err := priv.Public()
	require.NoError(t, err)
	assert.Equal(t, pub, again, "public derivation must be deterministic")

	other, err := NewPrivateID()
	require.NoError(t, err)
	otherPub, err := other.Public()
	require.NoError(t, err)
	assert.NotEqual(t, pub, otherPub)
}

func TestDecodeRejectsMalformedIDs(t *testing.T) {
	pub, priv, err := NewKeyPair()
	require.NoError(t, err)

	for _, encoded := range []string{
		"",
		"not base64 ***",
		string(pub)[:10],  // truncated
		string(priv) + "A", // wrong length after decode
	} {
		_, err := DecodePublicID(encoded)
		assert.ErrorIs(t, err, ErrInvalidID, "public %q", encoded)
		_, err = DecodePrivateID(encoded)
		assert.ErrorIs(t, err, ErrInvalidID, "private %q", encoded)
	}

	// a valid ID round-trips through decode
	decoded, err := DecodePublicID(string(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)
}

func TestEcEncryptRoundTrip(t *testing.T) {
	pub, priv, err := NewKeyPair()
	require.NoError(t, err)

	data := []byte("the quick brown fox")
	sealed, err := EcEncrypt(pub, data)
	require.NoError(t, err)
	assert.NotEqual(t, data, sealed)

	plain, err := EcDecrypt(priv, sealed)
	require.NoError(t, err)
	assert.Equal(t, data, plain)
}

func TestEcDecryptWrongKeyFails(t *testing.T) {
	pub, _, err := NewKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := NewKeyPair()
	require.NoError(t, err)

	sealed, err := EcEncrypt(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = EcDecrypt(otherPriv, sealed)
	assert.ErrorIs(t, err, ErrAuth)

	// tampering is detected too
	sealed[len(sealed)-1] ^= 0xff
	_, err = EcDecrypt(otherPriv, sealed)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSealRoundTrip(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("docs/report.txt")

	sealed, err := Seal(key, []byte("payload"), iv)
	require.NoError(t, err)

	plain, err := OpenSealed(key, sealed, iv)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	sealed[0] ^= 0x01
	_, err = OpenSealed(key, sealed, iv)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestNameIVIgnoresVersionSuffix(t *testing.T) {
	assert.Equal(t, NameIV("docs/report.txt"), NameIV("docs/report.txt:3"))
	assert.NotEqual(t, NameIV("docs/report.txt"), NameIV("docs/other.txt"))
	// a colon in a directory component is not a version suffix
	assert.NotEqual(t, NameIV("a:b/file"), NameIV("a"))
}

func TestSealedStreamRoundTrip(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("big/blob")

	sizes := []int{0, 1, 100, sealChunkSize, sealChunkSize + 1, 3*sealChunkSize + 17}
	for _, size := range sizes {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)

		r, err := SealReader(key, iv, bytes.NewReader(data))
		require.NoError(t, err)
		ciphertext, err := io.ReadAll(r)
		require.NoError(t, err)

		var out bytes.Buffer
		w, err := OpenWriter(key, iv, &out)
		require.NoError(t, err)
		_, err = w.Write(ciphertext)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Equal(t, data, out.Bytes(), "size %d", size)
	}
}

func TestSealedStreamTamperDetected(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("big/blob")
	data := make([]byte, 2*sealChunkSize)

	r, err := SealReader(key, iv, bytes.NewReader(data))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)
	ciphertext[len(ciphertext)/2] ^= 0x80

	w, err := OpenWriter(key, iv, io.Discard)
	require.NoError(t, err)
	_, err = w.Write(ciphertext)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSealedStreamTruncationDetected(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("big/blob")
	data := make([]byte, 2*sealChunkSize)
	_, err := rand.Read(data)
	require.NoError(t, err)

	r, err := SealReader(key, iv, bytes.NewReader(data))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)

	// cut cleanly after the first length-prefixed record, so every byte
	// that remains still authenticates
	cut := 4 + int(binary.BigEndian.Uint32(ciphertext)&^finalRecordFlag)

	var out bytes.Buffer
	w, err := OpenWriter(key, iv, &out)
	require.NoError(t, err)
	_, err = w.Write(ciphertext[:cut])
	require.NoError(t, err)
	err = w.Close()
	assert.ErrorIs(t, err, ErrAuth, "a stream cut at a record boundary must not pass")
	assert.Len(t, out.Bytes(), sealChunkSize, "the surviving record still decrypts")
}

func TestSealedStreamFinalMarkerAuthenticated(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("big/blob")
	data := make([]byte, sealChunkSize/2)
	_, err := rand.Read(data)
	require.NoError(t, err)

	r, err := SealReader(key, iv, bytes.NewReader(data))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)

	// clearing the final flag demotes the last record to a regular one;
	// the flag is part of the nonce, so the record must stop verifying
	require.NotZero(t, binary.BigEndian.Uint32(ciphertext)&finalRecordFlag)
	ciphertext[0] &^= 0x80

	w, err := OpenWriter(key, iv, io.Discard)
	require.NoError(t, err)
	_, err = w.Write(ciphertext)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSealedStreamRejectsAppendedRecords(t *testing.T) {
	key := NewAESKey()
	iv := NameIV("big/blob")

	r, err := SealReader(key, iv, bytes.NewReader([]byte("short")))
	require.NoError(t, err)
	ciphertext, err := io.ReadAll(r)
	require.NoError(t, err)

	w, err := OpenWriter(key, iv, io.Discard)
	require.NoError(t, err)
	_, err = w.Write(append(ciphertext, ciphertext...))
	assert.ErrorIs(t, err, ErrAuth, "nothing may follow the final record")
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewKeyPair()
	require.NoError(t, err)

	sig, err := Sign(priv, []byte("record"))
	require.NoError(t, err)
	assert.True(t, Verify(pub, []byte("record"), sig))
	assert.False(t, Verify(pub, []byte("forged"), sig))

	otherPub, _, err := NewKeyPair()
	require.NoError(t, err)
	assert.False(t, Verify(otherPub, []byte("record"), sig))
}

func TestDeriveKeyStable(t *testing.T) {
	master := NewAESKey()
	a := DeriveKey(master, []byte("salt-1"))
	b := DeriveKey(master, []byte("salt-1"))
	c := DeriveKey(master, []byte("salt-2"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, AESKeySize)
}

func TestShortIDStable(t *testing.T) {
	pub, _, err := NewKeyPair()
	require.NoError(t, err)
	assert.Equal(t, ShortID(pub), ShortID(pub))
	assert.NotZero(t, ShortID(pub))
}
