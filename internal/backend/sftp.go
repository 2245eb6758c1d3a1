package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpStore struct {
	ssh    *ssh.Client
	client *sftp.Client
	base   string
	id     string
}

func openSFTP(id string, cfg SFTPConfig) (Store, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read sftp key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("cannot parse sftp key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: sftp needs a password or a key file", ErrInvalidInput)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, port), &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ssh dial %s: %v", ErrTransient, cfg.Host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sftp session: %v", ErrTransient, err)
	}

	base := strings.TrimSuffix(cfg.BasePath, "/")
	if base != "" {
		if err := client.MkdirAll(base); err != nil {
			client.Close()
			conn.Close()
			return nil, fmt.Errorf("cannot create sftp base %s: %w", base, err)
		}
	}
	return &sftpStore{ssh: conn, client: client, base: base, id: id}, nil
}

func (s *sftpStore) path(name string) string {
	return path.Join(s.base, name)
}

func (s *sftpStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	entries, err := s.client.ReadDir(s.path(name))
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, fi := range entries {
		if !filter.match(fi) {
			continue
		}
		infos = append(infos, fi)
		if filter.MaxResults > 0 && len(infos) >= filter.MaxResults {
			break
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (s *sftpStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	f, err := s.client.Open(s.path(name))
	if err != nil {
		return s.mapErr(name, err)
	}
	defer f.Close()

	var r io.Reader = f
	if rang != nil {
		if _, err := f.Seek(rang.From, io.SeekStart); err != nil {
			return err
		}
		r = io.LimitReader(f, rang.To-rang.From)
	}
	return copyWithProgress(dst, r, progress)
}

func (s *sftpStore) Write(name string, src io.Reader, progress chan int64) error {
	target := s.path(name)
	if err := s.client.MkdirAll(path.Dir(target)); err != nil {
		return s.mapErr(name, err)
	}
	f, err := s.client.Create(target)
	if err != nil {
		return s.mapErr(name, err)
	}
	if err := copyWithProgress(f, src, progress); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *sftpStore) Stat(name string) (fs.FileInfo, error) {
	fi, err := s.client.Stat(s.path(name))
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	return fi, nil
}

func (s *sftpStore) Delete(name string) error {
	target := s.path(name)
	fi, err := s.client.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.mapErr(name, err)
	}
	if fi.IsDir() {
		entries, err := s.client.ReadDir(target)
		if err != nil {
			return s.mapErr(name, err)
		}
		for _, e := range entries {
			if err := s.Delete(path.Join(name, e.Name())); err != nil {
				return err
			}
		}
		return s.mapErr(name, s.client.RemoveDirectory(target))
	}
	return s.mapErr(name, s.client.Remove(target))
}

func (s *sftpStore) ID() string     { return s.id }
func (s *sftpStore) String() string { return "sftp store at " + s.id }

func (s *sftpStore) Close() error {
	s.client.Close()
	return s.ssh.Close()
}

func (s *sftpStore) mapErr(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case err == sftp.ErrSSHFxConnectionLost:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}
