package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.temporal.io/sdk/client"

	"github.com/meridian-fi/meridian/control-plane/internal/actions"
	"github.com/meridian-fi/meridian/control-plane/internal/api"
	"github.com/meridian-fi/meridian/control-plane/internal/config"
	"github.com/meridian-fi/meridian/control-plane/internal/events"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/store/memory"
	"github.com/meridian-fi/meridian/control-plane/internal/store/postgres"
	"github.com/meridian-fi/meridian/control-plane/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newBroker = events.NewBroker
	newStore  = func(conn string) (store.Store, error) {
		if strings.TrimSpace(conn) == "" {
			log.Println("POSTGRES_URL not set; using in-memory store")
			return memory.New(), nil
		}
		return postgres.New(conn)
	}
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newRunner          = actions.NewRunner
	newServer          = func(st store.Store, broker *events.Broker, workflowService *workflows.Service, runner *actions.Runner, cfg config.Config) server {
		return api.NewServer(st, broker, workflowService, runner, cfg)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker()
	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		return err
	}
	if workflowClient != nil {
		defer workflowClient.Close()
	}
	workflowService := newWorkflowService(workflowClient, cfg.TemporalTaskQueue)

	runner := newRunner(cfg.ActionRunnerURL)
	server := newServer(st, broker, workflowService, runner, cfg)

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	log.Printf("Meridian control plane listening on %s", addr)
	if err := server.Start(ctx, addr); err != nil {
		return err
	}

	return nil
}
