// Package drivertest provides a driver.Driver double that records calls.
package drivertest

import (
	"context"
	"sync"
	"time"
)

// StaticDriver switches instantly unless told to fail or wait.
type StaticDriver struct {
	mu       sync.Mutex
	current  int
	launches []int
	switches []int
	failOn   map[int]error
	delay    time.Duration
	closed   bool
	lost     chan struct{}
}

func New(current int) *StaticDriver {
	return &StaticDriver{
		current: current,
		failOn:  make(map[int]error),
		lost:    make(chan struct{}, 1),
	}
}

// FailOn makes launches and switches to index return err. A nil err clears it.
func (d *StaticDriver) FailOn(index int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOn, index)
		return
	}
	d.failOn[index] = err
}

// SetDelay makes every switch take at least delay.
func (d *StaticDriver) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

func (d *StaticDriver) Launch(ctx context.Context, index int) error {
	d.mu.Lock()
	d.launches = append(d.launches, index)
	d.mu.Unlock()
	return d.activate(ctx, index)
}

func (d *StaticDriver) SwitchContext(ctx context.Context, index int) error {
	d.mu.Lock()
	d.switches = append(d.switches, index)
	d.mu.Unlock()
	return d.activate(ctx, index)
}

func (d *StaticDriver) activate(ctx context.Context, index int) error {
	d.mu.Lock()
	delay := d.delay
	err := d.failOn[index]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.current = index
	d.mu.Unlock()
	return nil
}

func (d *StaticDriver) CurrentIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *StaticDriver) Lost() <-chan struct{} { return d.lost }

// TriggerLost simulates the session dying.
func (d *StaticDriver) TriggerLost() {
	select {
	case d.lost <- struct{}{}:
	default:
	}
}

func (d *StaticDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *StaticDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Switches returns the target of every SwitchContext call.
func (d *StaticDriver) Switches() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.switches...)
}

// Launches returns the target of every Launch call.
func (d *StaticDriver) Launches() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.launches...)
}
