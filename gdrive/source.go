// Package gdrive reads Google Drive files as backing sources.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const packageName = "gdrive"

const folderMimeType = "application/vnd.google-apps.folder"

// DefaultTimeout limits a single request.
const DefaultTimeout = 60 * time.Second

var _ interf.Source = (*_Source)(nil)

// _Source is a Google Drive file, identified by the file id.
type _Source struct {
	service *drive.Service
	id      string
	name    string
	size    int64
	folder  bool
	timeout time.Duration
}

// Open returns the drive file as interf.Source.
// A missing or trashed file returns impl.NewMissingSource.
func Open(service *drive.Service, fileId string) (interf.Source, error) {
	f, err := service.Files.Get(fileId).Fields("id, name, size, mimeType, trashed").Do()
	if isNotFound(err) {
		return impl.NewMissingSource(Path(fileId)), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "gdrive/Open: %s", fileId)
	}
	if f.Trashed {
		return impl.NewMissingSource(Path(fileId)), nil
	}

	return &_Source{
		service: service,
		id:      f.Id,
		name:    f.Name,
		size:    f.Size,
		folder:  f.MimeType == folderMimeType,
		timeout: DefaultTimeout,
	}, nil
}

// Find returns the id of the first file with the given name in a folder.
// If the parent is "root" or empty, the root directory of Google Drive is used.
func Find(service *drive.Service, parent, name string) (string, error) {
	if parent == "" {
		parent = "root"
	}

	const fields = "files(id, name)"
	const spaces = "drive" // Supported values are 'drive', 'appDataFolder' and 'photos'.
	query := fmt.Sprintf("trashed = false and mimeType != '%s' and '%s' in parents and name = '%s'",
		folderMimeType, parent, escapeQuery(name))

	list, err := service.Files.List().Q(query).Spaces(spaces).PageSize(1).Fields(fields).Do()
	if err != nil {
		return "", errors.Wrapf(err, "gdrive/Find: %s", name)
	}
	if len(list.Files) == 0 {
		return "", errors.Errorf("gdrive/Find: file not found: %s", name)
	}
	return list.Files[0].Id, nil
}

// Path is the source path of a drive file.
func Path(fileId string) string {
	return "gdrive://" + fileId
}

//--------------------------------------------------------------------------------------------------------------------//

// ReadAt downloads a byte range of the file.
func (s *_Source) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, impl.ErrNegativeOffset
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	get := s.service.Files.Get(s.id).Context(ctx)
	get.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := get.Download()
	if err != nil {
		logrus.Errorf("%s/ReadAt: id=%s, off=%d: %v", packageName, s.id, off, err)
		return 0, errors.Wrapf(err, "gdrive/ReadAt: %s", s.id)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK && off > 0 {
		// the range was ignored
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, errors.Wrapf(err, "gdrive/ReadAt: %s", s.id)
		}
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, errors.Wrapf(err, "gdrive/ReadAt: %s", s.id)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *_Source) Close() error {
	return nil
}

func (s *_Source) Exists() bool {
	f, err := s.service.Files.Get(s.id).Fields("id, trashed").Do()
	return err == nil && !f.Trashed
}

func (s *_Source) IsDirectory() bool {
	return s.folder
}

func (s *_Source) Size() int64 {
	return s.size
}

func (s *_Source) Path() string {
	return Path(s.id)
}

// Name is the file name on Google Drive.
func (s *_Source) Name() string {
	return s.name
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

// escapeQuery escapes a string for the drive query language.
func escapeQuery(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '\'' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
