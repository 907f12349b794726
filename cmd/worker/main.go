package main

import (
	"log"
	"strings"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/meridian-fi/meridian/control-plane/internal/actions"
	"github.com/meridian-fi/meridian/control-plane/internal/agent"
	"github.com/meridian-fi/meridian/control-plane/internal/config"
	"github.com/meridian-fi/meridian/control-plane/internal/llm"
	"github.com/meridian-fi/meridian/control-plane/internal/orchestrator"
	"github.com/meridian-fi/meridian/control-plane/internal/pipeline"
	"github.com/meridian-fi/meridian/control-plane/internal/store"
	"github.com/meridian-fi/meridian/control-plane/internal/store/memory"
	"github.com/meridian-fi/meridian/control-plane/internal/store/postgres"
	"github.com/meridian-fi/meridian/control-plane/internal/tools"
	"github.com/meridian-fi/meridian/control-plane/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	dialTemporal = client.Dial
	newStore     = func(conn string) (store.Store, error) {
		if strings.TrimSpace(conn) == "" {
			log.Println("POSTGRES_URL not set; using in-memory store")
			return memory.New(), nil
		}
		return postgres.New(conn)
	}
	newProvider   = llm.NewProvider
	newClassifier = llm.NewClassifierProvider
	newActivities = func(st store.Store, engine workflows.TurnEngine, controlPlaneURL string, opts ...workflows.TurnActivitiesOption) *workflows.TurnActivities {
		return workflows.NewTurnActivities(st, engine, controlPlaneURL, opts...)
	}
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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
	temporalClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	llmConfig := llm.Config{
		Mode:            cfg.LLMMode,
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		ClassifierModel: cfg.LLMClassifier,
		BaseURL:         cfg.LLMBaseURL,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenRouterKey:   cfg.OpenRouterAPIKey,
	}
	provider, err := newProvider(llmConfig)
	if err != nil {
		return err
	}
	classifier, err := newClassifier(llmConfig)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(tools.Builtin(),
		tools.WithDisabled(cfg.DisabledTools),
		tools.WithCapabilities(cfg.Capabilities()))

	runner := actions.NewRunner(cfg.ActionRunnerURL)
	bindings := actions.Bindings{}
	for _, descriptor := range registry.ListAvailable() {
		bindings[descriptor.Action] = runner.Bind(descriptor.Action)
	}

	emit := workflows.NewDeltaEmitter(st, cfg.ControlPlaneURL)
	executor := pipeline.New(st, registry, bindings, emit)
	engine := agent.NewEngine(agent.Config{
		Provider:      provider,
		Classifier:    classifier,
		Selector:      orchestrator.New(classifier, registry),
		Registry:      registry,
		Store:         st,
		Executor:      executor,
		Emit:          emit,
		MaxIterations: cfg.MaxToolIterations,
	})

	activities := newActivities(st, engine, cfg.ControlPlaneURL,
		workflows.WithAutopilotDefault(cfg.AutopilotDefault))

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ConversationWorkflow)
	w.RegisterActivity(activities)

	log.Println("Meridian worker started")
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
