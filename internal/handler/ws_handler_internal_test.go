package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type heldBeacons struct {
	release chan struct{}
}

func (b *heldBeacons) WaitBeacons(ctx context.Context) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestClaim_WaitsForSupersededBeacon(t *testing.T) {
	h := &WSHandler{log: zerolog.Nop(), live: make(map[string]*liveAttempt)}

	oldDone := make(chan struct{})
	beacons := &heldBeacons{release: make(chan struct{})}
	h.claim("k", &liveAttempt{
		cancel:  func() { close(oldDone) },
		done:    oldDone,
		beacons: beacons,
	})

	claimed := make(chan struct{})
	go func() {
		defer close(claimed)
		h.claim("k", &liveAttempt{cancel: func() {}, done: make(chan struct{})})
	}()

	select {
	case <-claimed:
		t.Fatal("claim returned before the superseded unload save finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(beacons.release)
	assert.Eventually(t, func() bool {
		select {
		case <-claimed:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
