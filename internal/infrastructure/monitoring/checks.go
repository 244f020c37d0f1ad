package monitoring

import (
	"context"
	"errors"

	"rillcast/internal/core/ports"
)

var (
	ErrRelayDraining = errors.New("relay is draining after a worker died")
	ErrNoRelay       = errors.New("no relay workers running")
)

func RepositoryCheck(repo ports.StreamRepository) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := repo.ListLive(ctx)
		return err
	}
}

// RelayCheck fails once the relay drains or runs without workers. draining
// may be nil.
func RelayCheck(workers func() int, draining func() bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if draining != nil && draining() {
			return ErrRelayDraining
		}
		if workers() == 0 {
			return ErrNoRelay
		}
		return nil
	}
}
