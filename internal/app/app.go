// Package app runs the long-lived services of the feed as one group.
package app

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
)

// App is a group of services sharing one lifetime. The first service to
// return interrupts all the others.
type App struct {
	services []Service
	signals  []os.Signal
	runner   *run.Group
}

func NewApp() *App {
	return &App{
		services: make([]Service, 0),
		runner:   &run.Group{},
	}
}

func (a *App) WithService(s Service) *App {
	a.services = append(a.services, s)
	return a
}

// WithSignals stops the group when one of sigs is received. With no
// arguments SIGINT and SIGTERM are used.
func (a *App) WithSignals(sigs ...os.Signal) *App {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	a.signals = sigs
	return a
}

// Run blocks until every service has returned. A shutdown caused by a signal
// or by ctx is reported as nil.
func (a *App) Run(ctx context.Context) error {
	if len(a.signals) > 0 {
		a.runner.Add(run.SignalHandler(ctx, a.signals...))
	}
	for _, service := range a.services {
		a.runner.Add(actor(ctx, service))
	}

	err := a.runner.Run()

	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		logrus.WithField("signal", sigErr.Signal.String()).Info("Shutting down")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
