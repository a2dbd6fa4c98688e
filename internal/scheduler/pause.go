package scheduler

import (
	"context"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/statestore"
)

// SetPaused sets the feature's paused flag. Running workers finish their
// current task and stop claiming; a paused Run returns ErrPaused.
func SetPaused(ctx context.Context, store *statestore.Store, paused bool) error {
	err := store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		st.Paused = paused
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "set paused")
	}
	store.Logger().WithFeature(store.Feature()).Info("pause flag changed", "paused", paused)
	return nil
}

// Paused reports the feature's paused flag.
func Paused(ctx context.Context, store *statestore.Store) (bool, error) {
	paused := false
	err := store.View(ctx, func(_ context.Context, st *statestore.State) error {
		paused = st.Paused
		return nil
	})
	return paused, err
}
