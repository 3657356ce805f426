package store

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"photosearch/internal/port"
)

var _ port.IndexedIDSource = (*LegacyCache)(nil)

// LegacyCache reads ids recorded by the flat-file index that predates the
// database. The file is a JSON array of ids, or an object with an "ids"
// array. It is never written.
type LegacyCache struct {
	path string
}

func NewLegacyCache(path string) *LegacyCache {
	return &LegacyCache{path: path}
}

// IndexedIDs returns an empty set when the file does not exist.
func (c *LegacyCache) IndexedIDs() (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	if c == nil || c.path == "" {
		return ids, nil
	}

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read legacy cache")
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			IDs []string `json:"ids"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, errors.Wrap(err, "decode legacy cache")
		}
		list = wrapped.IDs
	}

	for _, id := range list {
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}
