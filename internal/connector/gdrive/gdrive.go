// Package gdrive pulls documents from a Google Drive folder tree.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/text"
)

const (
	MIMEFolder   = "application/vnd.google-apps.folder"
	MIMEShortcut = "application/vnd.google-apps.shortcut"
	MIMEDoc      = "application/vnd.google-apps.document"
	MIMESheet    = "application/vnd.google-apps.spreadsheet"
	MIMESlides   = "application/vnd.google-apps.presentation"

	googleAppsPrefix    = "application/vnd.google-apps."
	defaultMaxFileBytes = 10 << 20

	listFields = "nextPageToken, files(id,name,mimeType,modifiedTime,webViewLink,size," +
		"shortcutDetails/targetId,shortcutDetails/targetMimeType)"
)

var ErrFileTooLarge = errors.New("file exceeds size limit")

var exportAs = map[string]string{
	MIMEDoc:    text.MIMEPlain,
	MIMESlides: text.MIMEPlain,
	MIMESheet:  text.MIMECSV,
}

var mimeByExt = map[string]string{
	".md":    text.MIMEMarkdown,
	".txt":   text.MIMEPlain,
	".py":    text.MIMEPython,
	".csv":   text.MIMECSV,
	".ipynb": text.MIMENotebook,
}

type Config struct {
	// FolderID is the root folder synced when a scope names none.
	FolderID          string
	CredentialsFile   string
	IncludeSubfolders bool
	MaxFileBytes      int64
}

type Connector struct {
	svc    *drive.Service
	cfg    Config
	logger *slog.Logger
}

// New builds a Drive client. Without extra options it authenticates with
// the service account in cfg.CredentialsFile, read-only.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Connector, error) {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts) == 0 {
		if cfg.CredentialsFile == "" {
			return nil, fmt.Errorf("%w: gdrive credentials file not set", corpus.ErrConfiguration)
		}
		opts = []option.ClientOption{
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(drive.DriveReadonlyScope),
		}
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Connector{svc: svc, cfg: cfg, logger: logger}, nil
}

func (c *Connector) Source() corpus.SourceTag { return corpus.SourceGDrive }

func (c *Connector) Fetch(ctx context.Context, scope connector.Scope) (<-chan corpus.RawDocument, <-chan error) {
	docs := make(chan corpus.RawDocument)
	errs := make(chan error)

	root := c.cfg.FolderID
	if scope.FolderID != "" {
		root = scope.FolderID
	}

	go func() {
		defer close(errs)
		defer close(docs)
		if root == "" {
			send(ctx, errs, errors.New("no gdrive folder configured"))
			return
		}
		c.walk(ctx, root, docs, errs)
	}()
	return docs, errs
}

// walk visits folders breadth first. Shortcuts are followed to their
// target; a folder reached twice is listed once.
func (c *Connector) walk(ctx context.Context, root string, docs chan<- corpus.RawDocument, errs chan<- error) {
	queue := []string{root}
	seen := map[string]bool{root: true}

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		children, err := c.list(ctx, folder)
		if err != nil {
			if !send(ctx, errs, fmt.Errorf("list folder %s: %w", folder, err)) {
				return
			}
			continue
		}

		for _, f := range children {
			id, mimeType := f.Id, f.MimeType
			if mimeType == MIMEShortcut && f.ShortcutDetails != nil {
				id, mimeType = f.ShortcutDetails.TargetId, f.ShortcutDetails.TargetMimeType
			}

			if mimeType == MIMEFolder {
				if c.cfg.IncludeSubfolders && !seen[id] {
					seen[id] = true
					queue = append(queue, id)
				}
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true

			doc, ok, err := c.document(ctx, folder, id, mimeType, f)
			if err != nil {
				if !send(ctx, errs, fmt.Errorf("fetch %s (%s): %w", f.Name, id, err)) {
					return
				}
				continue
			}
			if !ok {
				c.logger.DebugContext(ctx, "skipping drive file", "id", id, "name", f.Name, "mime", mimeType)
				continue
			}

			select {
			case docs <- doc:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Connector) list(ctx context.Context, folder string) ([]*drive.File, error) {
	var out []*drive.File
	err := c.svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed=false", folder)).
		Spaces("drive").
		Fields(listFields).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		PageSize(1000).
		Pages(ctx, func(page *drive.FileList) error {
			out = append(out, page.Files...)
			return nil
		})
	return out, err
}

func (c *Connector) document(ctx context.Context, folder, id, mimeType string, f *drive.File) (corpus.RawDocument, bool, error) {
	var (
		content []byte
		docMIME string
		err     error
	)

	switch {
	case exportAs[mimeType] != "":
		docMIME = exportAs[mimeType]
		content, err = c.export(ctx, id, docMIME)
	case strings.HasPrefix(mimeType, googleAppsPrefix), Skippable(mimeType):
		return corpus.RawDocument{}, false, nil
	default:
		var ok bool
		docMIME, ok = downloadable(f.Name, mimeType)
		if !ok {
			return corpus.RawDocument{}, false, nil
		}
		if f.Size > c.cfg.MaxFileBytes {
			return corpus.RawDocument{}, false, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, f.Size)
		}
		content, err = c.download(ctx, id)
	}
	if err != nil {
		return corpus.RawDocument{}, false, err
	}

	return corpus.RawDocument{
		Source:  corpus.SourceGDrive,
		URI:     URI(id),
		Title:   f.Name,
		MIME:    docMIME,
		Content: content,
		Metadata: map[string]any{
			"file_id":       id,
			"folder_id":     folder,
			"drive_mime":    mimeType,
			"web_link":      f.WebViewLink,
			"modified_time": f.ModifiedTime,
		},
	}, true, nil
}

func (c *Connector) export(ctx context.Context, id, mimeType string) ([]byte, error) {
	resp, err := c.svc.Files.Export(id, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer resp.Body.Close()
	return c.readLimited(resp.Body)
}

func (c *Connector) download(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	return c.readLimited(resp.Body)
}

func (c *Connector) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxFileBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// Skippable reports media types that are never ingested.
func Skippable(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	for _, p := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

func downloadable(name, mimeType string) (string, bool) {
	if m, ok := mimeByExt[strings.ToLower(path.Ext(name))]; ok {
		return m, true
	}
	switch base := text.BaseMIME(mimeType); base {
	case text.MIMEPlain, text.MIMEMarkdown:
		return base, true
	}
	return "", false
}

func URI(fileID string) string {
	return "gdrive://files/" + fileID
}

func send(ctx context.Context, errs chan<- error, err error) bool {
	select {
	case errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}
