// Package driver controls the remote worker session: which credential it
// runs with and how it is brought up.
package driver

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Driver brings a worker session up with a given credential. The session is
// considered ready once its worker has connected to the bridge.
type Driver interface {
	Launch(ctx context.Context, index int) error
	SwitchContext(ctx context.Context, index int) error
	// CurrentIndex is the credential of the running session, 0 before the
	// first successful launch.
	CurrentIndex() int
	// Lost receives a value when the session dies on its own.
	Lost() <-chan struct{}
	Close() error
}

// ErrAllLaunchesFailed is returned by Bootstrap when no credential starts.
var ErrAllLaunchesFailed = errors.New("every credential failed to launch")

// StartupOrder puts preferred first when it is available, followed by the
// remaining indices in their given order.
func StartupOrder(available []int, preferred int) []int {
	order := make([]int, 0, len(available))
	found := false
	for _, idx := range available {
		if idx == preferred {
			found = true
			break
		}
	}
	if preferred > 0 && found {
		order = append(order, preferred)
	} else if preferred > 0 {
		log.WithField("auth_index", preferred).Warn("preferred startup credential unavailable, using first available")
	}
	for _, idx := range available {
		if found && idx == preferred {
			continue
		}
		order = append(order, idx)
	}
	return order
}

// Bootstrap launches the first credential in order that succeeds and returns
// its index.
func Bootstrap(ctx context.Context, d Driver, order []int) (int, error) {
	if len(order) == 0 {
		return 0, fmt.Errorf("%w: no credentials available", ErrAllLaunchesFailed)
	}
	for _, idx := range order {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry := log.WithField("auth_index", idx)
		entry.Info("starting worker session")
		if err := d.Launch(ctx, idx); err != nil {
			entry.WithError(err).Error("worker session failed to start")
			continue
		}
		entry.Info("worker session started")
		return idx, nil
	}
	return 0, ErrAllLaunchesFailed
}
