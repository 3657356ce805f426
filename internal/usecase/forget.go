package usecase

import (
	"github.com/pkg/errors"
	"photosearch/internal/port"
)

// Forget removes everything stored about a photo the user deleted: its
// index entry, feedback and label scores. Unknown ids are not an error.
func Forget(store port.VectorStore, ids ...string) error {
	for _, id := range ids {
		if err := store.DeletePhoto(id); err != nil {
			return errors.Wrapf(err, "forget %s", id)
		}
	}
	return nil
}
