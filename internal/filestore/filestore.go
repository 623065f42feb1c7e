// Package filestore keeps user uploads (avatars, driver documents) and returns their public URL.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
)

// MaxUploadBytes caps a single upload.
const MaxUploadBytes = 10 << 20

var ErrTooLarge = errors.New("filestore: upload too large")

type Store interface {
	Put(ctx context.Context, folder, filename string, r io.Reader) (string, error)
}

// readLimited buffers the body so the content type can be sniffed before upload.
func readLimited(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(buf) > MaxUploadBytes {
		return nil, ErrTooLarge
	}
	return buf, nil
}

func objectName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return uuid.NewString() + ext
}

func cleanFolder(folder string) string {
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" || folder == "." {
		return "misc"
	}
	return folder
}

type S3Store struct {
	uploader *s3manager.Uploader
	bucket   string
	region   string
}

// NewS3Store uses the default AWS credential chain (env, shared config, instance role).
func NewS3Store(region, bucket string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &S3Store{uploader: s3manager.NewUploader(sess), bucket: bucket, region: region}, nil
}

func (s *S3Store) Put(ctx context.Context, folder, filename string, r io.Reader) (string, error) {
	body, err := readLimited(r)
	if err != nil {
		return "", err
	}
	key := cleanFolder(folder) + "/" + objectName(filename)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(http.DetectContentType(body)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// LocalStore writes under dir; files are served at baseURL + "/uploads/".
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *LocalStore) Dir() string { return l.dir }

func (l *LocalStore) Put(ctx context.Context, folder, filename string, r io.Reader) (string, error) {
	body, err := readLimited(r)
	if err != nil {
		return "", err
	}
	folder = cleanFolder(folder)
	if err := os.MkdirAll(filepath.Join(l.dir, filepath.FromSlash(folder)), 0o755); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	name := objectName(filename)
	if err := os.WriteFile(filepath.Join(l.dir, filepath.FromSlash(folder), name), body, 0o644); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return fmt.Sprintf("%s/uploads/%s/%s", l.baseURL, folder, name), nil
}
