package document

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/text"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var ErrUnsupportedType = errors.New("unsupported file type")

var uploadTypes = map[string]string{
	".md":       text.MIMEMarkdown,
	".markdown": text.MIMEMarkdown,
	".txt":      text.MIMEPlain,
	".py":       text.MIMEPython,
	".ipynb":    text.MIMENotebook,
	".csv":      text.MIMECSV,
}

type Store interface {
	GetDocument(ctx context.Context, id int64) (*corpus.Document, error)
	ListDocuments(ctx context.Context, f corpus.Filters, limit, offset int) ([]corpus.Document, error)
	DeleteDocument(ctx context.Context, id int64) error
}

type Ingester interface {
	IngestDocument(ctx context.Context, raw corpus.RawDocument) ingest.Outcome
}

type Service struct {
	store    Store
	ingester Ingester
}

func NewService(s Store, i Ingester) *Service {
	return &Service{store: s, ingester: i}
}

// MIMEForName maps an uploaded file name to the MIME type it is ingested as.
func MIMEForName(name string) (string, error) {
	if m, ok := uploadTypes[strings.ToLower(path.Ext(name))]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, path.Ext(name))
}

// Upload ingests a directly uploaded file.
func (s *Service) Upload(ctx context.Context, name, title string, content []byte) (ingest.Outcome, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	mimeType, err := MIMEForName(name)
	if err != nil {
		return ingest.Outcome{}, err
	}
	if title == "" {
		title = name
	}
	return s.ingester.IngestDocument(ctx, corpus.RawDocument{
		Source:  corpus.SourceUpload,
		URI:     "upload://" + name,
		Title:   title,
		MIME:    mimeType,
		Content: content,
	}), nil
}

func (s *Service) Get(ctx context.Context, id int64) (*corpus.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *Service) List(ctx context.Context, f corpus.Filters, limit, offset int) ([]corpus.Document, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDocuments(ctx, f, limit, offset)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteDocument(ctx, id)
}
