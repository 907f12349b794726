package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.temporal.io/sdk/client"

	"github.com/meridian-fi/meridian/control-plane/internal/actions"
	"github.com/meridian-fi/meridian/control-plane/internal/config"
	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/store/memory"
	"github.com/meridian-fi/meridian/control-plane/internal/workflows"
)

type stubServer struct {
	err error
}

func (s stubServer) Start(ctx context.Context, addr string) error {
	return s.err
}

func captureControlPlaneDeps() func() {
	origLoadConfig := loadConfig
	origNewBroker := newBroker
	origNewStore := newStore
	origDialTemporal := dialTemporal
	origNewWorkflowService := newWorkflowService
	origNewRunner := newRunner
	origNewServer := newServer
	origNotifyContext := notifyContext

	return func() {
		loadConfig = origLoadConfig
		newBroker = origNewBroker
		newStore = origNewStore
		dialTemporal = origDialTemporal
		newWorkflowService = origNewWorkflowService
		newRunner = origNewRunner
		newServer = origNewServer
		notifyContext = origNotifyContext
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureControlPlaneDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{
			ControlPlanePort: "0",
			PostgresURL:      "postgres://example",
			TemporalAddress:  "localhost:7233",
		}, nil
	}
	newStore = func(_ string) (store.Store, error) {
		return memory.New(), nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newWorkflowService = func(_ client.Client, _ string) *workflows.Service {
		return nil
	}
	newServer = func(_ store.Store, _ *events.Broker, _ *workflows.Service, _ *actions.Runner, _ config.Config) server {
		return stubServer{}
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunFallsBackToMemoryStore(t *testing.T) {
	restore := captureControlPlaneDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{ControlPlanePort: "0", TemporalAddress: "localhost:7233"}, nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newWorkflowService = func(_ client.Client, _ string) *workflows.Service {
		return nil
	}
	var gotStore store.Store
	newServer = func(st store.Store, _ *events.Broker, _ *workflows.Service, _ *actions.Runner, _ config.Config) server {
		gotStore = st
		return stubServer{}
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := gotStore.(*memory.MemoryStore); !ok {
		t.Fatalf("expected in-memory store without POSTGRES_URL, got %T", gotStore)
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureControlPlaneDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunStoreInitFailure(t *testing.T) {
	restore := captureControlPlaneDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{PostgresURL: "postgres://example"}, nil
	}
	newStore = func(_ string) (store.Store, error) {
		return nil, errors.New("store init failed")
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunTemporalClientFailure(t *testing.T) {
	restore := captureControlPlaneDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{
			PostgresURL:     "postgres://example",
			TemporalAddress: "localhost:7233",
		}, nil
	}
	newStore = func(_ string) (store.Store, error) {
		return memory.New(), nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}
