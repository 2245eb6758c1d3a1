package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-file-go/azfile"
)

// azureStore persists objects on an Azure file share through the azfile
// pipeline. File shares have real directories, so writes create parents
// on demand and deletes descend recursively.
type azureStore struct {
	p       pipeline.Pipeline
	baseURL *url.URL
	dir     string
	id      string
}

const azureUploadChunk = 4 * 1024 * 1024

func openAzure(id string, cfg AzureConfig) (Store, error) {
	endpoint := fmt.Sprintf("https://%s.file.core.windows.net", cfg.AccountName)
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: azure endpoint %s: %v", ErrInvalidInput, endpoint, err)
	}

	credential, err := azfile.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("cannot build azure credential: %w", err)
	}

	dir := cfg.Share
	if bp := strings.Trim(cfg.BasePath, "/"); bp != "" {
		dir = path.Join(cfg.Share, bp)
	}

	return &azureStore{
		p:       azfile.NewPipeline(credential, azfile.PipelineOptions{}),
		baseURL: baseURL,
		dir:     dir,
		id:      id,
	}, nil
}

func (a *azureStore) fileURL(name string) azfile.FileURL {
	rel := &url.URL{Path: path.Join(a.dir, name)}
	return azfile.NewFileURL(*a.baseURL.ResolveReference(rel), a.p)
}

func (a *azureStore) dirURL(name string) azfile.DirectoryURL {
	rel := &url.URL{Path: path.Join(a.dir, name)}
	return azfile.NewDirectoryURL(*a.baseURL.ResolveReference(rel), a.p)
}

func (a *azureStore) mkdirAll(name string) error {
	if name == "" || name == "." {
		return nil
	}
	ctx := context.Background()
	if _, err := a.dirURL(name).GetProperties(ctx); err == nil {
		return nil
	}
	built := ""
	for _, part := range strings.Split(name, "/") {
		u := a.dirURL(built).NewDirectoryURL(part)
		if _, err := u.Create(ctx, azfile.Metadata{}, azfile.SMBProperties{}); err != nil && !isAzureConflict(err) {
			return a.mapErr(name, err)
		}
		built = path.Join(built, part)
	}
	return nil
}

func (a *azureStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	ctx := context.Background()
	dirURL := a.dirURL(name)

	var infos []fs.FileInfo
	for marker := (azfile.Marker{}); marker.NotDone(); {
		ls, err := dirURL.ListFilesAndDirectoriesSegment(ctx, marker, azfile.ListFilesAndDirectoriesOptions{})
		if err != nil {
			return nil, a.mapErr(name, err)
		}
		marker = ls.NextMarker

		for _, d := range ls.DirectoryItems {
			fi := simpleInfo{name: d.Name, isDir: true}
			if filter.match(fi) {
				infos = append(infos, fi)
			}
		}
		for _, f := range ls.FileItems {
			props, err := dirURL.NewFileURL(f.Name).GetProperties(ctx)
			if err != nil {
				continue // deleted between list and stat
			}
			fi := simpleInfo{name: f.Name, size: props.ContentLength(), modTime: props.LastModified()}
			if filter.match(fi) {
				infos = append(infos, fi)
			}
		}
		if filter.MaxResults > 0 && len(infos) >= filter.MaxResults {
			infos = infos[:filter.MaxResults]
			break
		}
	}
	return infos, nil
}

func (a *azureStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	offset, count := int64(0), int64(azfile.CountToEnd)
	if rang != nil {
		offset, count = rang.From, rang.To-rang.From
	}
	resp, err := a.fileURL(name).Download(context.Background(), offset, count, false)
	if err != nil {
		return a.mapErr(name, err)
	}
	body := resp.Body(azfile.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()
	return copyWithProgress(dst, body, progress)
}

func (a *azureStore) Write(name string, src io.Reader, progress chan int64) error {
	ctx := context.Background()
	if err := a.mkdirAll(path.Dir(name)); err != nil {
		return err
	}
	fileURL := a.fileURL(name)
	if _, err := fileURL.Create(ctx, azfile.FileMaxSizeInBytes, azfile.FileHTTPHeaders{}, azfile.Metadata{}); err != nil {
		return a.mapErr(name, err)
	}

	var offset int64
	buf := make([]byte, azureUploadChunk)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, uerr := fileURL.UploadRange(ctx, offset, bytes.NewReader(buf[:n]), nil); uerr != nil {
				_, _ = fileURL.Resize(ctx, 0)
				return a.mapErr(name, uerr)
			}
			offset += int64(n)
			if progress != nil {
				select {
				case progress <- int64(n):
				default:
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	_, err := fileURL.Resize(ctx, offset)
	return a.mapErr(name, err)
}

func (a *azureStore) Stat(name string) (fs.FileInfo, error) {
	props, err := a.fileURL(name).GetProperties(context.Background())
	if err != nil {
		return nil, a.mapErr(name, err)
	}
	return simpleInfo{name: path.Base(name), size: props.ContentLength(), modTime: props.LastModified()}, nil
}

func (a *azureStore) Delete(name string) error {
	ctx := context.Background()
	if _, err := a.fileURL(name).Delete(ctx); err == nil || IsNotFound(a.mapErr(name, err)) {
		if err == nil {
			return nil
		}
	}
	// may be a directory: empty it, then remove it
	infos, err := a.ReadDir(name, Filter{})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, fi := range infos {
		if err := a.Delete(path.Join(name, fi.Name())); err != nil {
			return err
		}
	}
	if _, err := a.dirURL(name).Delete(ctx); err != nil && !IsNotFound(a.mapErr(name, err)) {
		return a.mapErr(name, err)
	}
	return nil
}

func (a *azureStore) ID() string     { return a.id }
func (a *azureStore) String() string { return "azure file share " + a.dir }
func (a *azureStore) Close() error   { return nil }

func (a *azureStore) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var serr azfile.StorageError
	if errors.As(err, &serr) {
		switch serr.ServiceCode() {
		case azfile.ServiceCodeResourceNotFound, azfile.ServiceCodeShareNotFound, azfile.ServiceCodeParentNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		case azfile.ServiceCodeServerBusy, azfile.ServiceCodeOperationTimedOut, azfile.ServiceCodeInternalError:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isAzureConflict(err error) bool {
	var serr azfile.StorageError
	return errors.As(err, &serr) && serr.ServiceCode() == azfile.ServiceCodeResourceAlreadyExists
}
