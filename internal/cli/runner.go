package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
	"github.com/markdave123-py/Lexa/internal/models"
	"github.com/markdave123-py/Lexa/internal/services"
)

// Runner ingests local files through the document service.
type Runner struct {
	Service   *services.DocumentService
	Extractor core.DocumentExtractor
	Workers   int
	Log       *slog.Logger
}

// Item is one file to ingest.
type Item struct {
	ID         string `yaml:"id"`
	SourceName string `yaml:"source_name"`
	Path       string `yaml:"path"`
}

type FileResult struct {
	Item   Item
	Result models.IngestionResult
	Err    error
}

type Summary struct {
	Results   []FileResult
	Completed int
	Failed    int
	Chunks    int
}

// Err is non-nil when any file failed.
func (s Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d documents failed", s.Failed, len(s.Results))
}

// Print writes one line per file followed by the totals.
func (s Summary) Print(w io.Writer) {
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(w, "FAIL  %-40s %v\n", r.Item.ID, r.Err)
			continue
		}
		fmt.Fprintf(w, "OK    %-40s %d chunks\n", r.Item.ID, r.Result.ChunkCount)
	}
	fmt.Fprintf(w, "\n%d completed, %d failed, %d chunks indexed\n", s.Completed, s.Failed, s.Chunks)
}

// DocumentID derives a URL-safe document id from a path relative to the
// ingested directory.
func DocumentID(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(filepath.Clean(rel)), "/", "_")
}

// ScanDir lists every supported file under root. Two paths that map to the
// same document id are rejected rather than ingested over each other.
func ScanDir(root string) ([]Item, error) {
	var items []Item
	seen := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !ingestion_engine.SupportedExtension(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		id := DocumentID(rel)
		if prev, ok := seen[id]; ok {
			return core.NewValidationError(filepath.ToSlash(rel), fmt.Sprintf("maps to document id %q already used by %s", id, prev))
		}
		seen[id] = filepath.ToSlash(rel)
		items = append(items, Item{ID: id, SourceName: d.Name(), Path: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return items, nil
}

type manifest struct {
	Documents []Item `yaml:"documents"`
}

// LoadManifest reads a YAML list of documents. Relative paths are resolved
// against the manifest's directory.
func LoadManifest(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	seen := make(map[string]bool, len(m.Documents))
	for i := range m.Documents {
		it := &m.Documents[i]
		if it.Path == "" {
			return nil, core.NewValidationError(fmt.Sprintf("documents[%d].path", i), "is required")
		}
		if !filepath.IsAbs(it.Path) {
			it.Path = filepath.Join(base, it.Path)
		}
		if it.ID == "" {
			it.ID = DocumentID(filepath.Base(it.Path))
		}
		if strings.ContainsAny(it.ID, "/?#") {
			return nil, core.NewValidationError(fmt.Sprintf("documents[%d].id", i), "contains forbidden characters")
		}
		if seen[it.ID] {
			return nil, core.NewValidationError(fmt.Sprintf("documents[%d].id", i), "is duplicated")
		}
		seen[it.ID] = true
		if it.SourceName == "" {
			it.SourceName = filepath.Base(it.Path)
		}
	}
	return m.Documents, nil
}

// IngestFile extracts the text of one file and ingests it synchronously.
func (r *Runner) IngestFile(ctx context.Context, it Item) (models.IngestionResult, error) {
	data, err := os.ReadFile(it.Path)
	if err != nil {
		return models.IngestionResult{DocumentID: it.ID}, err
	}
	text, err := r.Extractor.ExtractText(ctx, data, ingestion_engine.ContentTypeFor(it.Path))
	if err != nil {
		return models.IngestionResult{DocumentID: it.ID}, err
	}
	return r.Service.IngestText(ctx, services.TextInput{
		DocumentID: it.ID,
		SourceName: it.SourceName,
		Text:       text,
	})
}

// IngestAll ingests items with at most Workers files in flight. A failing file
// does not stop the others.
func (r *Runner) IngestAll(ctx context.Context, items []Item) Summary {
	results := make([]FileResult, len(items))

	var g errgroup.Group
	g.SetLimit(max(1, r.Workers))
	for i, it := range items {
		g.Go(func() error {
			res, err := r.IngestFile(ctx, it)
			results[i] = FileResult{Item: it, Result: res, Err: err}
			if err != nil {
				r.logger().Warn("ingestion failed", "doc_id", it.ID, "path", it.Path, "err", err)
			} else {
				r.logger().Info("ingested", "doc_id", it.ID, "chunks", res.ChunkCount)
			}
			return nil
		})
	}
	_ = g.Wait()

	s := Summary{Results: results}
	for _, fr := range results {
		if fr.Err != nil {
			s.Failed++
			continue
		}
		s.Completed++
		s.Chunks += fr.Result.ChunkCount
	}
	return s
}

// Remove deletes the document of a file that disappeared.
func (r *Runner) Remove(ctx context.Context, id string) error {
	err := r.Service.Delete(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Runner) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
