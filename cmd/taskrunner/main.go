// Copyright 2025 Certen Protocol
//
// taskrunner is the off-chain scheduler process: it discovers claimable
// tasks, claims them, runs their workload through a pluggable Handler, and
// submits the result, with speculative execution layered on top of the
// dependency graph, commitment ledger and rollback controller when a task's
// completion can start work on its dependents before its own proof confirms
// on-chain.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opchain/taskrunner/pkg/audit"
	"github.com/opchain/taskrunner/pkg/config"
	"github.com/opchain/taskrunner/pkg/deferral"
	"github.com/opchain/taskrunner/pkg/depgraph"
	"github.com/opchain/taskrunner/pkg/discovery"
	"github.com/opchain/taskrunner/pkg/ledger"
	"github.com/opchain/taskrunner/pkg/ops"
	"github.com/opchain/taskrunner/pkg/pipeline"
	"github.com/opchain/taskrunner/pkg/rollback"
	"github.com/opchain/taskrunner/pkg/speculative"
	"github.com/opchain/taskrunner/pkg/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("taskrunner: %v", err)
	}
}

func run() error {
	logger := log.New(os.Stderr, "[taskrunner] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	policy, err := loadPolicy(logger)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	var auditSink *audit.Sink
	if cfg.DatabaseURL != "" {
		auditSink, err = audit.NewSink(cfg, audit.WithLogger(log.New(os.Stderr, "[audit] ", log.LstdFlags)))
		if err != nil {
			if cfg.DatabaseRequired {
				return fmt.Errorf("connect audit database: %w", err)
			}
			logger.Printf("⚠️ audit database unavailable, continuing without custody trail: %v", err)
		} else {
			defer auditSink.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = auditSink.MigrateUp(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("migrate audit schema: %w", err)
			}
		}
	}

	contractAddr := common.HexToAddress(getEnvOr("COORDINATION_CONTRACT_ADDRESS", ""))
	port, err := ops.NewEVMPort(ops.EVMPortConfig{
		RPCURL:       cfg.EthereumURL,
		ChainID:      cfg.EthChainID,
		ContractAddr: contractAddr,
		WorkerKeyHex: cfg.EthPrivateKey,
		GasLimit:     uint64(getEnvIntOr("GAS_LIMIT", 300_000)),
		GasRetries:   getEnvIntOr("GAS_SEND_RETRIES", 3),
	})
	if err != nil {
		return fmt.Errorf("build operations port: %w", err)
	}

	graph := depgraph.New()
	led := ledger.New()

	var auditForDeferral deferral.AuditSink
	if auditSink != nil {
		auditForDeferral = auditSink
	}
	deferralMgr := deferral.New(auditForDeferral)

	pipelineCfg := pipelineConfigFromPolicy(policy.Pipeline)
	pipelineCfg.AgentAddress = common.HexToAddress(cfg.EthAccountAddress)
	pipelineCfg.AgentID = cfg.AgentID
	if cfg.Mode == "batch" {
		pipelineCfg.Mode = pipeline.ModeBatch
		pipelineCfg.BatchItems = batchItemsFromAddresses(cfg.BatchItems)
	}
	if policy.Backpressure.Enabled {
		pipelineCfg.Backpressure = &pipeline.Backpressure{
			HighWaterMark:  policy.Backpressure.HighWaterMark,
			LowWaterMark:   policy.Backpressure.LowWaterMark,
			PauseDiscovery: policy.Backpressure.PauseDiscovery,
		}
	}

	executor := pipeline.New(port, workloadHandler(logger), pipelineCfg)
	executor.SetLogger(log.New(os.Stderr, "[pipeline] ", log.LstdFlags))

	rollbackCtrl := rollback.New(graph, led, deferralMgr, executor)

	specCfg := speculativeConfigFromPolicy(policy.Speculation)
	scheduler := speculative.New(specCfg, graph, led, deferralMgr, rollbackCtrl)

	// Speculative outcomes follow the pipeline's own terminal events: a
	// completed task's proof is treated as confirmed, a failed submission or
	// task as a proof failure that rolls back whatever it unblocked.
	executor.AddListeners(pipeline.Listeners{
		OnTaskDiscovered: func(addr task.Address, t *task.OnChainTask) {
			if err := registerInGraph(context.Background(), port, graph, addr, 0); err != nil {
				logger.Printf("⚠️ depgraph: %v", err)
			}
		},
		OnTaskExecutionStarted: func(addr task.Address) {
			depth := 0
			if node, ok := graph.GetNode(addr); ok {
				depth = node.Depth
			}
			scheduler.RegisterSpeculationStart(addr, depth)
		},
		OnTaskCompleted: func(addr task.Address) {
			scheduler.OnProofConfirmed(addr)
		},
		OnTaskFailed: func(err error, addr task.Address) {
			scheduler.OnProofFailed(addr, err.Error())
		},
		OnSubmitFailed: func(err error, addr task.Address) {
			scheduler.OnProofFailed(addr, err.Error())
		},
	})

	if cfg.Mode == "autonomous" {
		discCfg := discovery.DefaultConfig()
		src := discovery.NewSource(pollCandidates(port, candidateAddresses()), discCfg)
		executor.SetDiscovery(src)
	}

	reg := prometheus.NewRegistry()
	if err := executor.Metrics().RegisterPrometheus(reg); err != nil {
		logger.Printf("⚠️ prometheus registration failed: %v", err)
	}
	startMetricsServer(cfg.MetricsAddr, reg, logger)
	startHealthServer(cfg.HealthAddr, port, auditSink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("🛑 shutdown signal received")
		cancel()
	}()

	logger.Printf("▶️ starting taskrunner (mode=%s, agent=%s)", cfg.Mode, cfg.AgentID)
	return executor.Start(ctx)
}

// maxDependencyChainLookup bounds how many ancestor hops registerInGraph will
// walk before giving up, guarding against a misbehaving coordination program
// reporting an unbounded or self-referential dependency chain.
const maxDependencyChainLookup = 64

// registerInGraph inserts addr into graph, first resolving and inserting its
// ancestor chain (depgraph.AddNode requires a parent to already be present).
// The chain is walked from addr upward via Port.FetchDependency and then
// applied root-first, so a deeply nested task only costs one RPC round-trip
// per ancestor the graph doesn't already know about.
func registerInGraph(ctx context.Context, port ops.Port, graph *depgraph.Graph, addr task.Address, hop int) error {
	if _, ok := graph.GetNode(addr); ok {
		return nil
	}
	if hop >= maxDependencyChainLookup {
		return fmt.Errorf("dependency chain for %x exceeds %d hops, refusing to register", addr, maxDependencyChainLookup)
	}

	parent, depType, err := port.FetchDependency(ctx, addr)
	if err != nil {
		return fmt.Errorf("fetch dependency for %x: %w", addr, err)
	}
	if parent == nil {
		_, err := graph.AddNode(addr, nil, task.DependencyNone)
		if err != nil && !errors.Is(err, depgraph.ErrNodeExists) {
			return err
		}
		return nil
	}

	if err := registerInGraph(ctx, port, graph, *parent, hop+1); err != nil {
		return err
	}
	_, err = graph.AddNode(addr, parent, depType)
	if err != nil && !errors.Is(err, depgraph.ErrNodeExists) {
		return err
	}
	return nil
}

// loadPolicy reads POLICY_CONFIG_PATH if set, otherwise falls back to the
// code-level defaults every tunable package already carries.
func loadPolicy(logger *log.Logger) (*config.PolicyConfig, error) {
	path := os.Getenv("POLICY_CONFIG_PATH")
	if path == "" {
		logger.Println("POLICY_CONFIG_PATH not set, using built-in policy defaults")
		policy := &config.PolicyConfig{}
		policy.Pipeline.RetryJitter = pipeline.DefaultRetryPolicy().Jitter
		policy.Speculation.Enabled = speculative.DefaultConfig().Enabled
		return policy, nil
	}
	policy, err := config.LoadPolicyConfig(path)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func pipelineConfigFromPolicy(p config.PipelineSettings) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if p.MaxConcurrentTasks > 0 {
		cfg.MaxConcurrentTasks = p.MaxConcurrentTasks
	}
	if p.TaskTimeout > 0 {
		cfg.TaskTimeoutMs = p.TaskTimeout.Duration().Milliseconds()
	}
	if p.ClaimExpiryBuffer > 0 {
		cfg.ClaimExpiryBufferMs = p.ClaimExpiryBuffer.Duration().Milliseconds()
	}
	if p.RetryMaxAttempts > 0 {
		cfg.RetryPolicy.MaxAttempts = p.RetryMaxAttempts
	}
	if p.RetryBaseDelay > 0 {
		cfg.RetryPolicy.BaseDelayMs = p.RetryBaseDelay.Duration().Milliseconds()
	}
	if p.RetryMaxDelay > 0 {
		cfg.RetryPolicy.MaxDelayMs = p.RetryMaxDelay.Duration().Milliseconds()
	}
	cfg.RetryPolicy.Jitter = p.RetryJitter
	return cfg
}

func speculativeConfigFromPolicy(s config.SpeculationSettings) speculative.Config {
	cfg := speculative.DefaultConfig()
	cfg.Enabled = s.Enabled
	if s.MaxSpeculationDepth > 0 {
		cfg.MaxSpeculationDepth = s.MaxSpeculationDepth
	}
	if s.MaxSpeculativeStake != "" {
		if v, ok := new(big.Int).SetString(s.MaxSpeculativeStake, 10); ok {
			cfg.MaxSpeculativeStake = v
		}
	}
	cfg.AllowPrivateSpeculation = s.AllowPrivateSpeculation
	if s.MinReputationForSpeculation > 0 {
		cfg.MinReputationForSpeculation = s.MinReputationForSpeculation
	}
	if s.ProofTimeout > 0 {
		cfg.ProofTimeoutMs = s.ProofTimeout.Duration().Milliseconds()
	}
	switch s.Strategy {
	case "priority":
		cfg.Strategy = speculative.StrategyPriority
	case "reward-weighted":
		cfg.Strategy = speculative.StrategyRewardWeighted
	default:
		cfg.Strategy = speculative.StrategyFIFO
	}
	if s.MaxRollbackRatePercent > 0 {
		cfg.MaxRollbackRatePercent = s.MaxRollbackRatePercent
	}
	return cfg
}

// workloadHandler is the integration seam for proof/result generation: the
// workload itself (running the task's program, generating its proof) is an
// opaque external capability, never part of this scheduler. A deployment
// wires its own implementation in; the built-in one fails closed so a
// misconfigured process can't silently submit empty results.
func workloadHandler(logger *log.Logger) pipeline.Handler {
	return func(ctx context.Context, execCtx pipeline.ExecutionContext) (task.ExecutionResult, error) {
		logger.Printf("⚠️ no workload handler configured for task %x; submit the binary with a real handler wired in", execCtx.TaskAddress)
		return task.ExecutionResult{}, fmt.Errorf("taskrunner: no workload handler configured")
	}
}

// startHealthServer exposes a liveness endpoint covering the chain RPC
// connection and, when configured, the audit database.
func startHealthServer(addr string, port *ops.EVMPort, auditSink *audit.Sink, logger *log.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true

		if err := port.Health(ctx); err != nil {
			status["chain"] = err.Error()
			healthy = false
		} else {
			status["chain"] = "ok"
		}

		if auditSink != nil {
			if err := auditSink.Ping(ctx); err != nil {
				status["audit"] = err.Error()
				healthy = false
			} else {
				status["audit"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Printf("❤️ health check listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("⚠️ health server: %v", err)
		}
	}()
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *log.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Printf("📈 metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("⚠️ metrics server: %v", err)
		}
	}()
}

func batchItemsFromAddresses(raw []string) []pipeline.BatchItem {
	items := make([]pipeline.BatchItem, 0, len(raw))
	for _, a := range raw {
		addr := task.Address(common.HexToHash(a))
		items = append(items, pipeline.BatchItem{TaskAddress: &addr})
	}
	return items
}

// candidateAddresses reads the fixed set of task addresses pollCandidates
// re-checks every poll interval in autonomous mode.
func candidateAddresses() []task.Address {
	raw := getEnvOr("CANDIDATE_TASK_ADDRESSES", "")
	if raw == "" {
		return nil
	}
	var addrs []task.Address
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			addrs = append(addrs, task.Address(common.HexToHash(a)))
		}
	}
	return addrs
}

// pollCandidates is a minimal discovery.Lister: it re-fetches a fixed set of
// candidate addresses every poll and reports the ones still open. A
// deployment with access to the coordination program's event log would
// replace this with a log-scanning Lister instead; the Source's dedup and
// pause/resume machinery is unaffected either way.
func pollCandidates(port ops.Port, addrs []task.Address) discovery.Lister {
	return func(ctx context.Context) ([]discovery.Discovered, error) {
		var out []discovery.Discovered
		for _, addr := range addrs {
			t, err := port.FetchTask(ctx, addr)
			if err != nil {
				continue
			}
			if t.Status != task.StatusOpen {
				continue
			}
			out = append(out, discovery.Discovered{
				TaskAddress:    addr,
				Task:           t,
				DiscoveredAtMs: time.Now().UnixMilli(),
				Medium:         discovery.SourcePoll,
			})
		}
		return out, nil
	}
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
