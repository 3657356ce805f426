package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"photosearch/config"
	"photosearch/internal/domain"
	"photosearch/internal/port"
)

type Walker struct {
	includes []string
	excludes []string
}

func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*"}
	}
	return &Walker{
		includes: includes,
		excludes: excludes,
	}
}

type FileInfo struct {
	Path    string
	RelPath string
	ModTime time.Time
	Size    int64
}

func (w *Walker) Walk(ctx context.Context, root string) ([]FileInfo, error) {
	var files []FileInfo

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if info.IsDir() {
			if relPath != "." && w.shouldExclude(relPath+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if w.shouldInclude(relPath) && !w.shouldExclude(relPath) {
			files = append(files, FileInfo{
				Path:    path,
				RelPath: relPath,
				ModTime: info.ModTime(),
				Size:    info.Size(),
			})
		}

		return nil
	})

	return files, err
}

func (w *Walker) shouldInclude(path string) bool {
	for _, pattern := range w.includes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (w *Walker) shouldExclude(path string) bool {
	for _, pattern := range w.excludes {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

var _ port.PhotoSource = (*Library)(nil)

// Library is a photo source backed by a directory tree. Photo ids are
// derived from the path relative to the root, so they survive moving the
// whole library.
type Library struct {
	root      string
	walker    *Walker
	sidecars  bool
	maxPhotos int

	mu        sync.RWMutex
	locations map[string]domain.GeoPoint
}

func NewLibrary(root string, cfg config.LibraryConfig) (*Library, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve library root")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(err, "open library")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("library root is not a directory: %s", abs)
	}
	return &Library{
		root:      abs,
		walker:    NewWalker(cfg.Includes, cfg.Excludes),
		sidecars:  cfg.Sidecars,
		maxPhotos: cfg.MaxPhotos,
		locations: make(map[string]domain.GeoPoint),
	}, nil
}

func (l *Library) Root() string { return l.root }

// PhotoID returns the stable id of a library-relative, slash-separated path.
func PhotoID(relPath string) string {
	sum := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(sum[:8])
}

// ListAll returns photos newest first, capped at max_photos when set.
func (l *Library) ListAll(ctx context.Context) ([]domain.PhotoRecord, error) {
	files, err := l.walker.Walk(ctx, l.root)
	if err != nil {
		return nil, errors.Wrap(err, "walk library")
	}

	records := make([]domain.PhotoRecord, 0, len(files))
	locations := make(map[string]domain.GeoPoint)
	for _, f := range files {
		rec := domain.PhotoRecord{
			ID:        PhotoID(f.RelPath),
			URI:       f.Path,
			CreatedAt: f.ModTime.UnixMilli(),
		}
		if l.sidecars {
			if meta, ok := readSidecar(f.Path); ok {
				if meta.takenAt > 0 {
					rec.CreatedAt = meta.takenAt
				}
				if meta.location != nil {
					locations[rec.ID] = *meta.location
				}
			}
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
	if l.maxPhotos > 0 && len(records) > l.maxPhotos {
		records = records[:l.maxPhotos]
	}

	l.mu.Lock()
	l.locations = locations
	l.mu.Unlock()
	return records, nil
}

// AssetLocation answers from the most recent ListAll.
func (l *Library) AssetLocation(ctx context.Context, id string) (*domain.GeoPoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.locations[id]; ok {
		return &p, nil
	}
	return nil, nil
}

type sidecarMeta struct {
	takenAt  int64
	location *domain.GeoPoint
}

type takeoutSidecar struct {
	PhotoTakenTime struct {
		Timestamp string `json:"timestamp"`
	} `json:"photoTakenTime"`
	GeoData     *takeoutGeo `json:"geoData"`
	GeoDataExif *takeoutGeo `json:"geoDataExif"`
}

type takeoutGeo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (g *takeoutGeo) point() *domain.GeoPoint {
	// Takeout writes 0,0 when the location is unknown.
	if g == nil || (g.Latitude == 0 && g.Longitude == 0) {
		return nil
	}
	return &domain.GeoPoint{Latitude: g.Latitude, Longitude: g.Longitude}
}

// readSidecar reads a Google Takeout style <photo>.json next to the photo.
func readSidecar(photoPath string) (sidecarMeta, bool) {
	for _, candidate := range []string{photoPath + ".json", photoPath + ".supplemental-metadata.json"} {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var sc takeoutSidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			continue
		}

		var meta sidecarMeta
		if secs, err := strconv.ParseInt(sc.PhotoTakenTime.Timestamp, 10, 64); err == nil && secs > 0 {
			meta.takenAt = secs * 1000
		}
		meta.location = sc.GeoData.point()
		if meta.location == nil {
			meta.location = sc.GeoDataExif.point()
		}
		return meta, true
	}
	return sidecarMeta{}, false
}
