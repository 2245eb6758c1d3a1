// Package mailbox exchanges messages with attachments through a vault
// directory. A message is one manifest file plus an attachment file per
// enclosure; the manifest is written last, so a reader never sees a
// message whose attachments are still uploading.
package mailbox

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/vaultsync/internal/vault"
)

// Message is what travels through a mailbox. On Send, Attachments holds
// local file paths to upload; on Receive it holds the attachment base
// names, downloadable by index.
type Message struct {
	Subject     string   `msgpack:"s"`
	Body        string   `msgpack:"b"`
	Attachments []string `msgpack:"a,omitempty"`

	// Info describes the received manifest; unset on Send.
	Info vault.FileInfo `msgpack:"-"`
}

// Send writes a message into the mailbox directory. The attachments
// upload in parallel first and the manifest last. When any attachment
// fails, the ones already uploaded are tombstoned again, so no partial
// message lingers on the backend.
func Send(v *vault.Vault, dir string, m Message) error {
	id := messageID()

	uploaded := make([]string, len(m.Attachments))
	g := new(errgroup.Group)
	for idx, local := range m.Attachments {
		idx, local := idx, local
		g.Go(func() error {
			name := path.Join(dir, id, fmt.Sprintf("%d.attachment", idx))
			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := v.Write(name, f, vault.WriteOptions{}); err != nil {
				return err
			}
			uploaded[idx] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rollback(v, uploaded)
		return err
	}

	manifest := Message{Subject: m.Subject, Body: m.Body}
	for _, local := range m.Attachments {
		manifest.Attachments = append(manifest.Attachments, filepath.Base(local))
	}
	encoded, err := msgpack.Marshal(manifest)
	if err != nil {
		rollback(v, uploaded)
		return err
	}
	if _, err := v.WriteBytes(path.Join(dir, id), encoded, vault.WriteOptions{}); err != nil {
		rollback(v, uploaded)
		return err
	}
	return nil
}

func rollback(v *vault.Vault, names []string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := v.Delete(name); err != nil && !errors.Is(err, vault.ErrNotFound) {
			logrus.WithError(err).WithField("file", name).Warn("cannot roll back attachment")
		}
	}
}

// Receive lists the messages of a mailbox, oldest first. Since and
// fromID work like the vault's ReadDir cursor: feeding the Info.ID of
// the last message back in returns only what arrived after it.
func Receive(v *vault.Vault, dir string, since time.Time, fromID vault.FileID) ([]Message, error) {
	ls, err := v.ReadDir(dir, vault.ListOptions{Since: since, FromID: fromID})
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })

	var messages []Message
	for _, fi := range ls {
		data, _, err := v.ReadBytes(":" + fi.ID.Hex())
		if err != nil {
			logrus.WithError(err).WithField("file", fi.Name).Warn("skipping unreadable message")
			continue
		}
		var m Message
		if err := msgpack.Unmarshal(data, &m); err != nil {
			logrus.WithError(err).WithField("file", fi.Name).Warn("skipping undecodable message")
			continue
		}
		m.Info = fi
		messages = append(messages, m)
	}
	return messages, nil
}

// Download copies one attachment of a received message into dst.
func Download(v *vault.Vault, m Message, attachment int, dst io.Writer) error {
	if attachment < 0 || attachment >= len(m.Attachments) {
		return fmt.Errorf("%w: message has no attachment %d", vault.ErrNotFound, attachment)
	}
	name := path.Join(m.Info.Name, fmt.Sprintf("%d.attachment", attachment))
	_, err := v.Read(name, dst, vault.ReadOptions{})
	return err
}

// messageID mints a time-sortable unique name for a manifest.
func messageID() string {
	var tail [4]byte
	rand.Read(tail[:])
	return fmt.Sprintf("%012x%08x", time.Now().UnixMilli(), binary.BigEndian.Uint32(tail[:]))
}
