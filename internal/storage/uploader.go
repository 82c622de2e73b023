package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lithammer/shortuuid/v4"

	"campus-chat/internal/apperror"
)

const (
	DefaultMaxSize = 10 << 20
	ThumbnailSize  = 320
)

// allowedTypes maps accepted media types to the extension objects are
// stored under.
var allowedTypes = map[string]string{
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/webp":         ".webp",
	"application/pdf":    ".pdf",
	"text/plain":         ".txt",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Attachment describes a stored upload. Width, Height and ThumbnailURL are
// set only for images that could be decoded.
type Attachment struct {
	URL          string
	FileName     string
	MimeType     string
	Size         int64
	IsImage      bool
	Width        *int
	Height       *int
	ThumbnailURL *string
}

type Uploader struct {
	store   ObjectStore
	maxSize int64
	newName func() string
	logger  *slog.Logger
}

func NewUploader(store ObjectStore, maxSize int64, logger *slog.Logger) *Uploader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:   store,
		maxSize: maxSize,
		newName: shortuuid.New,
		logger:  logger.With("component", "uploader"),
	}
}

func (u *Uploader) MaxSize() int64 { return u.maxSize }

// Upload validates and stores one multipart file.
func (u *Uploader) Upload(ctx context.Context, fh *multipart.FileHeader) (*Attachment, error) {
	if fh.Size > u.maxSize {
		return nil, u.tooLarge()
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperror.Validation("unreadable file")
	}
	defer f.Close()

	return u.Put(ctx, fh.Filename, fh.Header.Get("Content-Type"), f)
}

// Put validates type and size, then hands the blob to the object store.
// Nothing reaches the store unless validation passes.
func (u *Uploader) Put(ctx context.Context, filename, declaredType string, r io.Reader) (*Attachment, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, apperror.Validation("file name is required")
	}

	data, err := io.ReadAll(io.LimitReader(r, u.maxSize+1))
	if err != nil {
		return nil, apperror.Validation("unreadable file")
	}
	if int64(len(data)) > u.maxSize {
		return nil, u.tooLarge()
	}
	if len(data) == 0 {
		return nil, apperror.Validation("file is empty")
	}

	mediaType := detectType(filename, declaredType, data)
	ext, ok := allowedTypes[mediaType]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("file type %s is not allowed", mediaType))
	}

	att := &Attachment{
		FileName: filename,
		MimeType: mediaType,
		Size:     int64(len(data)),
		IsImage:  strings.HasPrefix(mediaType, "image/"),
	}
	base := u.newName()

	url, err := u.store.Put(ctx, base+ext, bytes.NewReader(data))
	if err != nil {
		return nil, apperror.Upstream("object storage unavailable", err)
	}
	att.URL = url

	if att.IsImage {
		u.describeImage(ctx, att, base, ext, data)
	}
	return att, nil
}

// describeImage fills in dimensions and a thumbnail. Failures are logged;
// the original is already stored and stays usable.
func (u *Uploader) describeImage(ctx context.Context, att *Attachment, base, ext string, data []byte) {
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		// webp has no decoder here
		return
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		u.logger.Warn("decode image", "file", att.FileName, "error", err)
		return
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	att.Width, att.Height = &w, &h

	thumb := img
	if w > ThumbnailSize || h > ThumbnailSize {
		thumb = imaging.Fit(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, format); err != nil {
		u.logger.Warn("encode thumbnail", "file", att.FileName, "error", err)
		return
	}
	url, err := u.store.Put(ctx, base+"_thumb"+ext, &buf)
	if err != nil {
		u.logger.Warn("store thumbnail", "file", att.FileName, "error", err)
		return
	}
	att.ThumbnailURL = &url
}

func (u *Uploader) tooLarge() error {
	return apperror.Validation(fmt.Sprintf("file exceeds the %d MB limit", u.maxSize>>20))
}

// detectType prefers the client's declared type, then the extension, then
// content sniffing.
func detectType(filename, declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if mt, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}
