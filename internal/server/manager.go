// Package server runs the long-lived components of the daemon and exposes the HTTP API.
package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/tripsync/pkg/log"
)

// Runnable is a component that runs until ctx is done.
type Runnable interface {
	Start(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Start(ctx context.Context) error { return f(ctx) }

type named struct {
	name string
	r    Runnable
}

// Manager manages the lifecycle of every runnable. The first failure cancels the others.
type Manager struct {
	runnables []named
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers r under name. It must be called before Start.
func (m *Manager) Add(name string, r Runnable) {
	m.runnables = append(m.runnables, named{name: name, r: r})
}

// Start launches all runnables in parallel and waits for them to return.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, n := range m.runnables {
		g.Go(func() error {
			log.Debug("Starting component", "component", n.name)
			if err := n.r.Start(ctx); err != nil {
				log.Error(err, "Component failed", "component", n.name)
				return err
			}
			log.Debug("Component stopped", "component", n.name)
			return nil
		})
	}

	log.Info("All components starting", "count", len(m.runnables))
	return g.Wait()
}
