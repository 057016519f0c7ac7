// Package artifact stores laboratory result attachments. Files live flat in
// one directory under names that start with the owning patient id, so a
// patient's artifacts can be removed by prefix.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	ErrNotFound         = errors.New("artifact not found")
	ErrTooLarge         = errors.New("artifact exceeds maximum allowed size")
	ErrMissingExtension = errors.New("artifact file name has no extension")
	ErrTypeNotAllowed   = errors.New("artifact type is not allowed")
	ErrInvalidName      = errors.New("invalid artifact name")
	ErrExists           = errors.New("artifact already exists")
)

// TimestampLayout is the timestamp embedded in stored names.
const TimestampLayout = "20060102150405"

// AllowedExtensions lists the accepted attachment types.
var AllowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"bmp":  true,
	"pdf":  true,
	"doc":  true,
	"docx": true,
	"txt":  true,
}

// Meta describes a stored artifact.
type Meta struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

type Store interface {
	Save(ctx context.Context, name string, content io.Reader) (*Meta, error)
	Open(ctx context.Context, name string) (io.ReadCloser, *Meta, error)
	Delete(ctx context.Context, name string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Extension returns the lower-cased extension of an uploaded file name
// without the dot, checked against AllowedExtensions.
func Extension(filename string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "", fmt.Errorf("%q: %w", filename, ErrMissingExtension)
	}
	ext = strings.ToLower(ext)
	if !AllowedExtensions[ext] {
		return "", fmt.Errorf(".%s: %w", ext, ErrTypeNotAllowed)
	}
	return ext, nil
}

// Name builds a fresh stored name
// {patientID}_{testKey}_{timestamp}_{examID}_{random}.{ext}. Every call
// returns a different name, even within the same second.
func Name(patientID, examID int64, testKey string, at time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d_%s_%s_%d_%s.%s", patientID, testKey, at.Format(TimestampLayout), examID, suffix, ext)
}

// PatientPrefix is the name prefix shared by all artifacts of a patient.
func PatientPrefix(patientID int64) string {
	return strconv.FormatInt(patientID, 10) + "_"
}

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"txt":  "text/plain; charset=utf-8",
}

// ContentType maps the name's extension to a MIME type.
func ContentType(name string) string {
	ext := path.Ext(name)
	if ct, ok := contentTypes[strings.ToLower(strings.TrimPrefix(ext, "."))]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// FSStore implements Store on an afero filesystem rooted at the artifact
// directory.
type FSStore struct {
	fs       afero.Fs
	maxBytes int64
}

func NewFSStore(fs afero.Fs, maxBytes int64) *FSStore {
	return &FSStore{fs: fs, maxBytes: maxBytes}
}

// NewDiskStore creates dir if needed and returns a store confined to it.
func NewDiskStore(dir string, maxBytes int64) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir), maxBytes), nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// Save streams content into a new artifact called name. An existing artifact
// is never overwritten: the name is created exclusively and ErrExists is
// returned when it is taken. A failed or oversized upload is removed.
func (s *FSStore) Save(ctx context.Context, name string, content io.Reader) (*Meta, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := "/" + name
	f, err := s.fs.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrExists)
		}
		return nil, fmt.Errorf("create artifact %s: %w", name, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(content, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(target)
		return nil, fmt.Errorf("write artifact %s: %w", name, err)
	}
	if n > s.maxBytes {
		s.fs.Remove(target)
		return nil, fmt.Errorf("%s is larger than %d bytes: %w", name, s.maxBytes, ErrTooLarge)
	}

	return &Meta{
		Name:        name,
		ContentType: ContentType(name),
		Size:        n,
		Hash:        hex.EncodeToString(h.Sum(nil)),
		ModifiedAt:  time.Now().UTC(),
	}, nil
}

func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, *Meta, error) {
	if !validName(name) {
		return nil, nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	f, err := s.fs.Open("/" + name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	return f, &Meta{
		Name:        name,
		ContentType: ContentType(name),
		Size:        info.Size(),
		ModifiedAt:  info.ModTime().UTC(),
	}, nil
}

func (s *FSStore) Delete(_ context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if err := s.fs.Remove("/" + name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete artifact %s: %w", name, err)
	}
	return nil
}

// DeleteByPrefix removes every artifact whose name starts with prefix and
// returns how many were removed. It keeps going past individual failures and
// reports the first one.
func (s *FSStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("empty prefix: %w", ErrInvalidName)
	}
	entries, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}

	var firstErr error
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.fs.Remove("/" + e.Name()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete artifact %s: %w", e.Name(), err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
