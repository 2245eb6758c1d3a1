package vault

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// head is the wire metadata of one file version, stored on the backend
// next to the body. Heads of encrypted groups are sealed under the
// group key; the key id travels in clear before the ciphertext so a
// reader can pick the right key after a rotation.
type head struct {
	Dir     string            `msgpack:"d"`
	Name    string            `msgpack:"n"`
	Group   string            `msgpack:"g"`
	Size    int64             `msgpack:"s"`
	ModTime time.Time         `msgpack:"m"`
	Author  identity.PublicID `msgpack:"a"`
	Deleted bool              `msgpack:"x,omitempty"`
	Attrs   map[string]string `msgpack:"t,omitempty"`
}

// signedHead wraps the encoded head with the author's signature, so
// tampering is detectable even by readers who only hold the group key.
type signedHead struct {
	Head []byte `msgpack:"h"`
	Sig  []byte `msgpack:"s"`
}

const keyIDPrefixLen = 8

// encodeHead signs the head with the vault identity and, for encrypted
// groups, seals it under the group key identified by keyID. keyID zero
// means the plaintext group.
func (v *Vault) encodeHead(h head, keyID uint64, key identity.AESKey, storeName string) ([]byte, error) {
	encoded, err := msgpack.Marshal(h)
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(v.secret, encoded)
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(signedHead{Head: encoded, Sig: sig})
	if err != nil {
		return nil, err
	}

	out := make([]byte, keyIDPrefixLen, keyIDPrefixLen+len(payload)+64)
	binary.LittleEndian.PutUint64(out, keyID)
	if keyID == 0 {
		return append(out, payload...), nil
	}
	sealed, err := identity.Seal(key, payload, identity.NameIV(storeName))
	if err != nil {
		return nil, err
	}
	return append(out, sealed...), nil
}

// decodeHead reverses encodeHead. It resolves the group key through
// keyForID, verifies the author's signature and returns the head with
// the key id it was sealed under.
func (v *Vault) decodeHead(data []byte, storeName string) (head, uint64, error) {
	if len(data) < keyIDPrefixLen {
		return head{}, 0, fmt.Errorf("%w: head %s is truncated", ErrCorrupt, storeName)
	}
	keyID := binary.LittleEndian.Uint64(data)
	payload := data[keyIDPrefixLen:]

	if keyID != 0 {
		key, err := v.keyForID(keyID)
		if err != nil {
			return head{}, 0, err
		}
		if payload, err = identity.OpenSealed(key, payload, identity.NameIV(storeName)); err != nil {
			return head{}, 0, fmt.Errorf("%w: cannot open head %s: %v", ErrAuth, storeName, err)
		}
	}

	var sh signedHead
	if err := msgpack.Unmarshal(payload, &sh); err != nil {
		return head{}, 0, fmt.Errorf("%w: head %s is not decodable: %v", ErrCorrupt, storeName, err)
	}
	var h head
	if err := msgpack.Unmarshal(sh.Head, &h); err != nil {
		return head{}, 0, fmt.Errorf("%w: head %s is not decodable: %v", ErrCorrupt, storeName, err)
	}
	if !identity.Verify(h.Author, sh.Head, sh.Sig) {
		return head{}, 0, fmt.Errorf("%w: head %s carries an invalid signature", ErrAuth, storeName)
	}
	return h, keyID, nil
}

// keyForID loads a group key from the index. A missing key usually
// means the caller was never granted the group, so the error is an
// access failure rather than corruption.
func (v *Vault) keyForID(keyID uint64) (identity.AESKey, error) {
	var key []byte
	err := v.db.QueryRow("GET_KEY", index.Args{"vault": v.ID, "id": keyID}, &key)
	if err == index.ErrNoRows {
		return nil, fmt.Errorf("%w: no key %d available", ErrAccessDenied, keyID)
	}
	if err != nil {
		return nil, err
	}
	return identity.AESKey(key), nil
}

// currentKey returns the newest key of a group, minting the first one
// for groups that never had any. The plaintext group has no key.
func (v *Vault) currentKey(group string) (uint64, identity.AESKey, error) {
	if group == GroupAll {
		return 0, nil, nil
	}
	var id uint64
	var key []byte
	err := v.db.QueryRow("GET_LAST_KEY", index.Args{"vault": v.ID, "grp": group}, &id, &key)
	if err == index.ErrNoRows {
		return 0, nil, fmt.Errorf("%w: group %s has no key", ErrAccessDenied, group)
	}
	if err != nil {
		return 0, nil, err
	}
	return id, identity.AESKey(key), nil
}

// bodyKey derives the per-file body key. Binding the key to the store
// name keeps two files sealed under the same group key from sharing a
// key stream.
func bodyKey(groupKey identity.AESKey, storeName string) identity.AESKey {
	return identity.DeriveKey(groupKey, []byte(storeName))
}

// sealBody wraps r so its bytes come out encrypted for the backend. The
// plaintext group passes through untouched.
func sealBody(groupKey identity.AESKey, storeName string, r io.Reader) (io.Reader, error) {
	if groupKey == nil {
		return r, nil
	}
	return identity.SealReader(bodyKey(groupKey, storeName), identity.NameIV(storeName), r)
}

// openBody wraps w so sealed backend bytes come out decrypted.
func openBody(groupKey identity.AESKey, storeName string, w io.Writer) (io.WriteCloser, error) {
	if groupKey == nil {
		return nopWriteCloser{w}, nil
	}
	return identity.OpenWriter(bodyKey(groupKey, storeName), identity.NameIV(storeName), w)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// headPath and bodyPath name the two backend objects of a version.
func (v *Vault) headPath(storeDir, storeName string) string {
	return path.Join(v.Realm, dataDir, storeDir, "h", storeName)
}

func (v *Vault) bodyPath(storeDir, storeName string) string {
	return path.Join(v.Realm, dataDir, storeDir, "b", storeName)
}

func (v *Vault) changeMarkPath() string {
	return path.Join(v.Realm, dataDir, changeMark)
}
