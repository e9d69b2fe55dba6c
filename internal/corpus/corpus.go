// Package corpus holds the document and chunk types shared by the ingestion
// and retrieval pipelines.
package corpus

import (
	"fmt"
	"strings"
	"time"
)

type SourceTag string

const (
	SourceGitHub SourceTag = "github"
	SourceGDrive SourceTag = "gdrive"
	SourceUpload SourceTag = "upload"
)

func (s SourceTag) Valid() bool {
	switch s {
	case SourceGitHub, SourceGDrive, SourceUpload:
		return true
	}
	return false
}

func ParseSourceTag(v string) (SourceTag, error) {
	tag := SourceTag(strings.ToLower(strings.TrimSpace(v)))
	if !tag.Valid() {
		return "", fmt.Errorf("unknown source %q", v)
	}
	return tag, nil
}

// RawDocument is a document as yielded by a connector, before hashing and
// normalization. It doubles as the payload of ingest.document messages.
type RawDocument struct {
	Source   SourceTag      `json:"source"`
	URI      string         `json:"uri"`
	Title    string         `json:"title"`
	MIME     string         `json:"mime"`
	Content  []byte         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Document struct {
	ID          int64     `json:"id"`
	Source      SourceTag `json:"source"`
	URI         string    `json:"uri"`
	Title       string    `json:"title"`
	MIME        string    `json:"mime"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ChunkCount  int       `json:"chunk_count,omitempty"`
}

type Chunk struct {
	ID         int64          `json:"id"`
	DocumentID int64          `json:"document_id"`
	Ordinal    int            `json:"ordinal"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata"`
}

// Filters restricts retrieval and listing to a subset of documents. The zero
// value matches everything.
type Filters struct {
	Sources   []SourceTag `json:"sources,omitempty"`
	MIMETypes []string    `json:"mime_types,omitempty"`
	URIPrefix string      `json:"uri_prefix,omitempty"`
}

func (f Filters) Empty() bool {
	return len(f.Sources) == 0 && len(f.MIMETypes) == 0 && f.URIPrefix == ""
}

func (f Filters) Validate() error {
	for _, s := range f.Sources {
		if !s.Valid() {
			return fmt.Errorf("unknown source %q", s)
		}
	}
	return nil
}
