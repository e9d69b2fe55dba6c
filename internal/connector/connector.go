// Package connector defines how documents are pulled from external sources
// and keeps the set of configured sources.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"kcopilot/backend/internal/corpus"
)

// Scope narrows a sync run. The zero value means every registered source
// with its configured defaults.
type Scope struct {
	Source     corpus.SourceTag
	Repository string // owner/name, github only
	FolderID   string // gdrive only
}

var ErrScopeConflict = errors.New("conflicting sync scope")

// Normalize infers the source from a repository (github) or a folder
// (gdrive). A repository or folder that contradicts Source, or both given
// together, is an ErrScopeConflict.
func (s Scope) Normalize() (Scope, error) {
	switch {
	case s.Repository != "" && s.FolderID != "":
		return s, fmt.Errorf("%w: repository and folder_id are mutually exclusive", ErrScopeConflict)
	case s.Repository != "":
		if s.Source != "" && s.Source != corpus.SourceGitHub {
			return s, fmt.Errorf("%w: repository given for source %q", ErrScopeConflict, s.Source)
		}
		s.Source = corpus.SourceGitHub
	case s.FolderID != "":
		if s.Source != "" && s.Source != corpus.SourceGDrive {
			return s, fmt.Errorf("%w: folder_id given for source %q", ErrScopeConflict, s.Source)
		}
		s.Source = corpus.SourceGDrive
	}
	return s, nil
}

// Connector streams raw documents for a scope. The document channel is
// closed when fetching finishes or ctx is cancelled. Errors about single
// files are sent on the error channel and do not end the fetch; the error
// channel is closed after the document channel.
type Connector interface {
	Source() corpus.SourceTag
	Fetch(ctx context.Context, scope Scope) (<-chan corpus.RawDocument, <-chan error)
}

type Registry struct {
	mu         sync.RWMutex
	connectors map[corpus.SourceTag]Connector
}

func NewRegistry(cs ...Connector) *Registry {
	r := &Registry{connectors: make(map[corpus.SourceTag]Connector)}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Source()] = c
}

// Resolve returns the connectors a scope addresses, ordered by source tag.
// A scope naming a repository or folder addresses only its own connector.
func (r *Registry) Resolve(scope Scope) ([]Connector, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if scope.Source != "" {
		c, ok := r.connectors[scope.Source]
		if !ok {
			return nil, fmt.Errorf("no connector configured for source %q", scope.Source)
		}
		return []Connector{c}, nil
	}

	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source() < out[j].Source() })
	return out, nil
}

func (r *Registry) Sources() []corpus.SourceTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]corpus.SourceTag, 0, len(r.connectors))
	for s := range r.connectors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Static is a Connector over a fixed document list, used for direct uploads
// and tests.
type Static struct {
	Tag       corpus.SourceTag
	Documents []corpus.RawDocument
	Errors    []error
}

func (s *Static) Source() corpus.SourceTag { return s.Tag }

func (s *Static) Fetch(ctx context.Context, _ Scope) (<-chan corpus.RawDocument, <-chan error) {
	docs := make(chan corpus.RawDocument)
	errs := make(chan error, len(s.Errors))
	go func() {
		defer close(errs)
		defer close(docs)
		for _, err := range s.Errors {
			errs <- err
		}
		for _, d := range s.Documents {
			select {
			case docs <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return docs, errs
}
