package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	ecies "github.com/ecies/go/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// AESKey is a 32-byte symmetric key for bulk encryption.
type AESKey []byte

const (
	AESKeySize = 32
	ivSize     = 16
	nonceSize  = 12

	// sealChunkSize is the plaintext chunk size for streaming encryption.
	// Each chunk is sealed independently so that large files never need to
	// be held in memory.
	sealChunkSize = 64 * 1024

	// finalRecordFlag marks the last record of a sealed stream in its
	// length prefix. The flag is mixed into the record's nonce, so neither
	// setting nor clearing it survives authentication, and a stream cut at
	// a record boundary is detected by the missing final record.
	finalRecordFlag = uint32(1) << 31
)

// NewAESKey returns a fresh random symmetric key.
func NewAESKey() AESKey {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err) // the system random source is broken, nothing sensible to do
	}
	return key
}

// EcEncrypt encrypts data for the holder of the matching private ID using
// ECIES over secp256k1.
func EcEncrypt(pub PublicID, data []byte) ([]byte, error) {
	encKey, _, err := pub.Decode()
	if err != nil {
		return nil, err
	}
	pk, err := ecies.NewPublicKeyFromBytes(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	out, err := ecies.Encrypt(pk, data)
	if err != nil {
		return nil, fmt.Errorf("ecies encrypt: %w", err)
	}
	return out, nil
}

// EcDecrypt decrypts data produced by EcEncrypt for the matching public ID.
// Ciphertext produced for another key, or tampered with, fails with ErrAuth
// rather than yielding garbage plaintext.
func EcDecrypt(priv PrivateID, data []byte) ([]byte, error) {
	encKey, _, err := priv.Decode()
	if err != nil {
		return nil, err
	}
	out, err := ecies.Decrypt(ecies.NewPrivateKeyFromBytes(encKey), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return out, nil
}

// DeriveKey derives a subkey from a master key and a salt with HKDF-SHA256.
// The vault uses it to give every file version its own encryption key while
// storing only the group key.
func DeriveKey(master AESKey, salt []byte) AESKey {
	stream := hkdf.New(sha256.New, master, salt, []byte("vaultsync/file/v1"))
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(stream, key); err != nil {
		panic(err) // hkdf never fails for 32 bytes
	}
	return key
}

// NameIV derives a deterministic 16-byte IV from a file name. Version
// suffixes (":N") are stripped so that all versions of a name share the IV
// seed; uniqueness comes from the per-version derived key.
func NameIV(name string) []byte {
	if idx := lastColon(name); idx >= 0 {
		name = name[:idx]
	}
	sum := blake2b.Sum256([]byte(name))
	return sum[:ivSize]
}

func lastColon(name string) int {
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case ':':
			return i
		case '/':
			return -1
		}
	}
	return -1
}

// Seal encrypts data with AES-256-GCM. The first 12 bytes of iv seed the
// nonce. Tampering is detected by OpenSealed.
func Seal(key AESKey, data, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) < nonceSize {
		return nil, fmt.Errorf("iv too short: %d bytes, want at least %d", len(iv), nonceSize)
	}
	return aead.Seal(nil, iv[:nonceSize], data, nil), nil
}

// OpenSealed decrypts and authenticates data produced by Seal. It fails
// with ErrAuth if the ciphertext was sealed under a different key or iv, or
// was modified.
func OpenSealed(key AESKey, data, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) < nonceSize {
		return nil, fmt.Errorf("iv too short: %d bytes, want at least %d", len(iv), nonceSize)
	}
	out, err := aead.Open(nil, iv[:nonceSize], data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return out, nil
}

func newGCM(key AESKey) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("bad key size %d, want %d", len(key), AESKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealReader wraps r so that reads yield a chunked AES-GCM stream: each
// plaintext chunk of up to sealChunkSize bytes becomes a length-prefixed
// sealed record. The chunk counter is mixed into the nonce so records
// cannot be reordered or replayed within a stream.
func SealReader(key AESKey, iv []byte, r io.Reader) (io.Reader, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) < nonceSize {
		return nil, fmt.Errorf("iv too short: %d bytes, want at least %d", len(iv), nonceSize)
	}
	return &sealingReader{aead: aead, iv: iv[:nonceSize], src: r}, nil
}

type sealingReader struct {
	aead    cipher.AEAD
	iv      []byte
	src     io.Reader
	counter uint64
	buf     []byte
	eof     bool
}

func (s *sealingReader) Read(p []byte) (int, error) {
	if len(s.buf) == 0 && !s.eof {
		if err := s.sealNext(); err != nil {
			return 0, err
		}
	}
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *sealingReader) sealNext() error {
	plain := make([]byte, sealChunkSize)
	n, err := io.ReadFull(s.src, plain)
	final := false
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		// a stream whose length is an exact chunk multiple ends with an
		// empty final record
		final = true
		s.eof = true
	default:
		return err
	}
	sealed := s.aead.Seal(nil, chunkNonce(s.iv, s.counter, final), plain[:n], nil)
	s.counter++
	prefix := uint32(len(sealed))
	if final {
		prefix |= finalRecordFlag
	}
	record := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(record, prefix)
	copy(record[4:], sealed)
	s.buf = record
	return nil
}

// OpenWriter wraps w so that a chunked stream produced by SealReader is
// authenticated and decrypted as it is written. Close must be called to
// verify that the stream's authenticated final record arrived; a stream
// truncated at any point, record boundary included, fails with ErrAuth.
func OpenWriter(key AESKey, iv []byte, w io.Writer) (io.WriteCloser, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) < nonceSize {
		return nil, fmt.Errorf("iv too short: %d bytes, want at least %d", len(iv), nonceSize)
	}
	return &openingWriter{aead: aead, iv: iv[:nonceSize], dst: w}, nil
}

type openingWriter struct {
	aead    cipher.AEAD
	iv      []byte
	dst     io.Writer
	counter uint64
	pending []byte
	done    bool
}

func (o *openingWriter) Write(p []byte) (int, error) {
	o.pending = append(o.pending, p...)
	for {
		if len(o.pending) < 4 {
			return len(p), nil
		}
		if o.done {
			return len(p), fmt.Errorf("%w: data after the final record", ErrAuth)
		}
		prefix := binary.BigEndian.Uint32(o.pending)
		final := prefix&finalRecordFlag != 0
		recordLen := int(prefix &^ finalRecordFlag)
		if len(o.pending) < 4+recordLen {
			return len(p), nil
		}
		plain, err := o.aead.Open(nil, chunkNonce(o.iv, o.counter, final), o.pending[4:4+recordLen], nil)
		if err != nil {
			return len(p), fmt.Errorf("%w: %v", ErrAuth, err)
		}
		o.counter++
		o.pending = o.pending[4+recordLen:]
		o.done = final
		if _, err := o.dst.Write(plain); err != nil {
			return len(p), err
		}
	}
}

func (o *openingWriter) Close() error {
	if len(o.pending) != 0 {
		return fmt.Errorf("%w: truncated stream, %d trailing bytes", ErrAuth, len(o.pending))
	}
	if !o.done {
		return fmt.Errorf("%w: stream ends before its final record", ErrAuth)
	}
	return nil
}

func chunkNonce(iv []byte, counter uint64, final bool) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, iv)
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], binary.BigEndian.Uint64(nonce[nonceSize-8:])^counter)
	if final {
		nonce[0] ^= 0x80
	}
	return nonce
}
