// Package bridge wires the coordination kernel's components together: the
// event log, its projections, the subscription hub, agent authority, the
// speed-layer dispatcher, the elicitation coordinator, and the degradation
// controller. It is the single place that knows how all eight components
// fit together; every package above it only knows its own concern.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/agentbridge/bridge/applications/system"
	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/degradation"
	"github.com/agentbridge/bridge/bridge/dispatcher"
	"github.com/agentbridge/bridge/bridge/elicitation"
	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/bridge/gateway"
	"github.com/agentbridge/bridge/bridge/projection"
	"github.com/agentbridge/bridge/bridge/subscription"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/infrastructure/metrics"
	"github.com/agentbridge/bridge/pkg/config"
	"github.com/agentbridge/bridge/pkg/pgnotify"
)

// Kernel holds every constructed component plus the lifecycle Manager that
// starts and stops their background goroutines.
type Kernel struct {
	Store        *event.Store
	Hub          *subscription.Hub
	AuthRegistry *projection.Engine
	Tokens       *auth.TokenManager
	Nonces       auth.NonceStore
	Limiter      *auth.RateLimiter
	Coordinator  *elicitation.Coordinator
	Dispatcher   *dispatcher.Dispatcher
	Degradation  *degradation.Controller
	Health       *degradation.HealthChecker
	Gateway      *gateway.Server

	manager   *system.Manager
	registry  *system.ServiceRegistry
	sweepCron *cron.Cron
}

// New constructs every kernel component from cfg but does not start any
// background goroutines; call Start for that.
func New(cfg *config.Config, logger *logging.Logger) (*Kernel, error) {
	var metricsSink *metrics.Metrics
	if metrics.Enabled() {
		metricsSink = metrics.Init("bridge-gateway")
	}

	storeOpts := []event.Option{event.WithLogger(logger)}
	if metricsSink != nil {
		storeOpts = append(storeOpts, event.WithMetrics(metricsSink))
	}
	store, err := event.Open(cfg.Bridge.DataDir, cfg.Bridge.NodeID, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: open event store: %w", err)
	}

	hub := subscription.New(store, logger)
	if dsn := strings.TrimSpace(cfg.Bridge.RelayDSN); dsn != "" {
		bus, err := pgnotify.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("bridge: open relay bus: %w", err)
		}
		if err := hub.UseRelay(bus, cfg.Bridge.RelayChannel, cfg.Bridge.NodeID); err != nil {
			return nil, fmt.Errorf("bridge: subscribe relay channel: %w", err)
		}
	}

	authRegistry := projection.New("auth-registry", store, event.Filter{
		Types: []event.Type{
			event.TypeAgentRegistered,
			event.TypeAgentRevoked,
			event.TypeCapabilityGranted,
			event.TypeTokenRevoked,
		},
	}, auth.Apply, auth.Registry{}, logger)
	if metricsSink != nil {
		authRegistry.UseMetrics(metricsSink)
	}
	if err := authRegistry.Bootstrap(context.Background()); err != nil {
		return nil, fmt.Errorf("bridge: bootstrap auth registry: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("bridge: token manager: %w", err)
	}

	var nonces auth.NonceStore
	if addr := strings.TrimSpace(cfg.Auth.RedisAddr); addr != "" {
		nonces = auth.NewRedisNonceStore(redis.NewClient(&redis.Options{Addr: addr}))
	} else {
		nonces = auth.NewMemoryNonceStore()
	}

	limiter := auth.NewRateLimiter(map[auth.OperationClass]auth.ClassLimit{
		"event:append":        {RequestsPerSecond: 50, Burst: 100},
		"elicitation:create":  {RequestsPerSecond: 5, Burst: 10},
		"validate":            {RequestsPerSecond: 200, Burst: 400},
	})

	coordinator := elicitation.New(store, []byte(cfg.Bridge.MasterSecret), cfg.Bridge.ElicitationTTL, nonces, logger)

	memTier := dispatcher.NewMemoryTier(cfg.Bridge.MemoryTierCapacity, cfg.Bridge.MemoryTierTTL)
	policyTier := dispatcher.NewPolicyTier(nil, memTier.Put)
	patternTier := dispatcher.NewPatternTier(nil, cfg.Bridge.PatternConfidence)

	cacheSub := hub.Subscribe(event.Filter{
		Types: []event.Type{event.TypeCacheInvalidated, event.TypePolicyUpdated},
	})
	dispatcher.WireInvalidation(memTier, cacheSub.Events())

	escalator := dispatcher.NewExpertEscalator(escalateViaCoordinator(coordinator, cfg.Bridge.ElicitationTTL))

	dispatch := dispatcher.New(
		[]dispatcher.Tier{memTier, policyTier, patternTier},
		escalator,
		cfg.Bridge.DispatchBudget,
		store,
		logger,
	)
	if metricsSink != nil {
		dispatch.UseMetrics(metricsSink)
	}

	degradationCtrl := degradation.New(degradation.DefaultConfig(), store, logger)
	if metricsSink != nil {
		degradationCtrl.UseMetrics(metricsSink)
	}
	health := degradation.NewHealthChecker(degradationCtrl, cfg.Bridge.HealthMountPath,
		cfg.Bridge.HealthMemoryPercent, cfg.Bridge.HealthDiskPercent, cfg.Bridge.HealthCheckInterval)

	gw := gateway.New(gateway.Deps{
		Store:       store,
		Hub:         hub,
		Tokens:      tokens,
		Nonces:      nonces,
		Limiter:     limiter,
		Coordinator: coordinator,
		Dispatcher:  dispatch,
		Degradation: degradationCtrl,
		Logger:      logger,
		Metrics:     metricsSink,
		Version:     "bridge-gateway",
	})

	k := &Kernel{
		Store:        store,
		Hub:          hub,
		AuthRegistry: authRegistry,
		Tokens:       tokens,
		Nonces:       nonces,
		Limiter:      limiter,
		Coordinator:  coordinator,
		Dispatcher:   dispatch,
		Degradation:  degradationCtrl,
		Health:       health,
		Gateway:      gw,
	}

	k.manager = system.NewManager()

	// Services are declared through the registry/builder pair rather than
	// registered with the manager directly, so descriptor metadata and
	// construction are defined in one place (Kernel.Descriptors reads the
	// descriptors back from the services the registry hands to the manager).
	registry := system.NewServiceRegistry()
	deps := &kernelDeps{logger: logger, store: store}

	if err := registry.Register(system.NewServiceBuilder("elicitation-expiry-sweep").
		Domain("elicitation").
		Priority(10).
		WithDescriptor(system.Descriptor{
			Name: "elicitation-expiry-sweep", Domain: "elicitation", Layer: system.LayerAgent,
			Capabilities: []string{"elicitation:expire"},
		}).
		Factory(func(system.ServiceDeps) (system.Service, error) {
			return funcService{
				name: "elicitation-expiry-sweep",
				descriptor: system.Descriptor{
					Name: "elicitation-expiry-sweep", Domain: "elicitation", Layer: system.LayerAgent,
					Capabilities: []string{"elicitation:expire"},
				},
				start: func(ctx context.Context) error {
					sweepCron, err := coordinator.StartExpirySweep(ctx, cfg.Bridge.ElicitationSweep)
					if err != nil {
						return err
					}
					k.sweepCron = sweepCron
					return nil
				},
				stop: func(ctx context.Context) error {
					if k.sweepCron == nil {
						return nil
					}
					stopCtx := k.sweepCron.Stop()
					select {
					case <-stopCtx.Done():
					case <-ctx.Done():
					}
					return nil
				},
			}, nil
		}).
		Build()); err != nil {
		return nil, fmt.Errorf("bridge: declare expiry sweep service: %w", err)
	}

	if err := registry.Register(system.NewServiceBuilder("health-checker").
		Domain("degradation").
		Priority(20).
		WithDescriptor(system.Descriptor{
			Name: "health-checker", Domain: "degradation", Layer: system.LayerHealth,
			Capabilities: []string{"degradation:observe"},
		}).
		Factory(func(system.ServiceDeps) (system.Service, error) {
			return funcService{
				name: "health-checker",
				descriptor: system.Descriptor{
					Name: "health-checker", Domain: "degradation", Layer: system.LayerHealth,
					Capabilities: []string{"degradation:observe"},
				},
				start: func(ctx context.Context) error { go health.Run(ctx); return nil },
				stop:  func(ctx context.Context) error { return nil },
			}, nil
		}).
		Build()); err != nil {
		return nil, fmt.Errorf("bridge: declare health checker service: %w", err)
	}

	k.registry = registry
	if err := registry.RegisterWithManager(k.manager, deps); err != nil {
		return nil, fmt.Errorf("bridge: register services: %w", err)
	}

	return k, nil
}

// kernelDeps satisfies system.ServiceDeps for the kernel's own service
// factories. Neither field is consulted by the factories above today (they
// close over their constructed components directly); it exists so the
// registry's declarative construction path has real dependencies to thread
// through for any future service that needs them, instead of an empty
// struct.
type kernelDeps struct {
	logger *logging.Logger
	store  *event.Store
}

func (d *kernelDeps) Logger() any { return d.logger }
func (d *kernelDeps) Stores() any { return d.store }

// funcService adapts a pair of start/stop closures to system.Service and
// system.DescriptorProvider, for background components (the expiry sweep,
// the health poller) that don't otherwise need their own named type.
type funcService struct {
	name       string
	descriptor system.Descriptor
	start      func(ctx context.Context) error
	stop       func(ctx context.Context) error
}

func (f funcService) Name() string                   { return f.name }
func (f funcService) Start(ctx context.Context) error { return f.start(ctx) }
func (f funcService) Stop(ctx context.Context) error  { return f.stop(ctx) }
func (f funcService) Descriptor() system.Descriptor   { return f.descriptor }

// escalateViaCoordinator adapts the elicitation coordinator's Create/Await
// pair to the dispatcher's ElicitFunc shape, so dispatcher never imports
// the elicitation package directly. The expert pool name itself doubles as
// the elicitation's to_agent: this kernel has no separate expert-registry
// component, so the pool is expected to register an agent identity under
// its own name holding the elicitation:respond capability for it.
func escalateViaCoordinator(coordinator *elicitation.Coordinator, ttl time.Duration) dispatcher.ElicitFunc {
	const defaultPool = "default"
	return func(ctx context.Context, req dispatcher.Request) (bool, string, error) {
		payload, err := json.Marshal(req.Params)
		if err != nil {
			return false, "", err
		}
		id, err := coordinator.Create(ctx, req.Agent, defaultPool, defaultPool, req.Operation, payload, nil, ttl)
		if err != nil {
			return false, "", err
		}
		elic, err := coordinator.Await(ctx, id)
		if err != nil {
			return false, "", err
		}
		return elic.Approved, elic.Reason, nil
	}
}

// Start runs the kernel's background components (the elicitation expiry
// sweep, the health poller) via the lifecycle manager. Serving the HTTP
// gateway is left to the caller, typically cmd/bridge-gateway.
func (k *Kernel) Start(ctx context.Context) error {
	return k.manager.Start(ctx)
}

// Stop halts background components in reverse start order. It does not
// close the event store; callers own that separately since it may still be
// serving reads during shutdown drain.
func (k *Kernel) Stop(ctx context.Context) error {
	return k.manager.Stop(ctx)
}

// Descriptors returns the kernel's registered component descriptors, for a
// /system/status-style introspection endpoint.
func (k *Kernel) Descriptors() []system.Descriptor {
	return k.manager.Descriptors()
}

// Close releases the event store's file handles. Call after Stop.
func (k *Kernel) Close() error {
	return k.Store.Close()
}
