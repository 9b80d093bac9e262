// Command cccsd hosts the control/compliance/coordination substrate as
// an HTTP service: it wires every pkg/* subsystem together, bootstraps
// dependency health, serves POST /v1/flow over orchestrator.ExecuteFlow
// and GET /health, and shuts down cleanly on SIGINT/SIGTERM. It is the
// demo host binary, not a production deployment topology — a real
// deployment would likely split identity/budget/policy/signing/indexer
// adapters across separate upstream services reachable over the flags
// below, rather than running everything against one process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cccs-substrate/cccs/pkg/adapters"
	"github.com/cccs-substrate/cccs/pkg/budget"
	"github.com/cccs-substrate/cccs/pkg/config"
	"github.com/cccs-substrate/cccs/pkg/contracts"
	"github.com/cccs-substrate/cccs/pkg/courier"
	"github.com/cccs-substrate/cccs/pkg/identity"
	"github.com/cccs-substrate/cccs/pkg/observability"
	"github.com/cccs-substrate/cccs/pkg/orchestrator"
	"github.com/cccs-substrate/cccs/pkg/policy"
	"github.com/cccs-substrate/cccs/pkg/receipt"
	"github.com/cccs-substrate/cccs/pkg/redaction"
	"github.com/cccs-substrate/cccs/pkg/signing"
	"github.com/cccs-substrate/cccs/pkg/taxonomy"
	"github.com/cccs-substrate/cccs/pkg/wal"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode            = flag.String("mode", "edge", "edge or backend")
		listenAddr      = flag.String("listen-addr", ":8080", "HTTP listen address")
		runtimeVersion  = flag.String("runtime-version", "1.0.0", "this instance's semver, negotiated against client-requested versions")
		walPath         = flag.String("wal-path", "cccsd.wal", "path to the append-only WAL journal")
		walMirrorPath   = flag.String("wal-sqlite-mirror", "", "optional path to a SQLite mirror of the WAL for ad hoc operator queries (empty: no mirror)")
		journalPath     = flag.String("receipt-journal", "cccsd.receipts", "path to the receipt journal")
		signingKeyID    = flag.String("signing-key-id", "cccsd-local", "key id attached to locally-generated signatures")
		trustAnchors    = flag.String("trust-anchors", "cccsd-dev-anchor", "comma-separated HMAC trust anchor secrets accepted for policy snapshots")
		identityURL     = flag.String("identity-url", "", "identity service base URL (empty: adapter calls fail, cache-only)")
		budgetURL       = flag.String("budget-url", "", "budget service base URL (empty: adapter calls fail, cache-only)")
		policyURL       = flag.String("policy-url", "", "policy publisher base URL (optional; evaluation is always offline)")
		indexerURL      = flag.String("indexer-url", "", "evidence indexer base URL (optional; shipping is best-effort)")
		redisAddr       = flag.String("redis-addr", "", "Redis address for a shared identity cache (empty: in-process cache)")
		otlpEndpoint    = flag.String("otlp-endpoint", "", "OTLP/gRPC trace collector endpoint (empty: tracing stays local-only)")
		strictRedaction = flag.Bool("strict-redaction", true, "fail closed when no redaction rule matches the negotiated version")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	o, err := build(buildConfig{
		mode:            *mode,
		runtimeVersion:  *runtimeVersion,
		walPath:         *walPath,
		walMirrorPath:   *walMirrorPath,
		journalPath:     *journalPath,
		signingKeyID:    *signingKeyID,
		trustAnchors:    strings.Split(*trustAnchors, ","),
		identityURL:     *identityURL,
		budgetURL:       *budgetURL,
		policyURL:       *policyURL,
		indexerURL:      *indexerURL,
		redisAddr:       *redisAddr,
		otlpEndpoint:    *otlpEndpoint,
		strictRedaction: *strictRedaction,
	})
	if err != nil {
		log.Printf("[cccsd] build failed: %v", err)
		return 1
	}

	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := o.Bootstrap(bootstrapCtx, nil, ""); err != nil {
		cancel()
		log.Printf("[cccsd] bootstrap failed: %v", err)
		return 1
	}
	cancel()
	log.Printf("[cccsd] bootstrap complete, dependencies_ready=%v", o.DependenciesReady())

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/flow", flowHandler(o))
	mux.HandleFunc("/health", healthHandler(o))

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Printf("[cccsd] listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[cccsd] server error: %v", err)
		}
	}()

	// A second registration for the same signals: signal.Notify fans
	// out to every registered channel, so this blocks main() for a
	// clean server.Shutdown independently of the orchestrator's own
	// process-wide handler (pkg/orchestrator.ensureSignalHandler)
	// tearing down the runtime's subsystems.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[cccsd] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = o.Shutdown(shutdownCtx)

	return 0
}

func flowHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var in orchestrator.FlowInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		result, err := o.ExecuteFlow(r.Context(), in)
		if err != nil {
			ce := taxonomy.NormalizeError(err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusForSeverity(ce.Severity))
			_ = json.NewEncoder(w).Encode(ce)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func statusForSeverity(sev contracts.Severity) int {
	switch sev {
	case contracts.SeverityCritical:
		return http.StatusInternalServerError
	case contracts.SeverityHigh:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func healthHandler(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !o.DependenciesReady() {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]bool{"dependencies_ready": false})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"dependencies_ready": true})
	}
}

type buildConfig struct {
	mode            string
	runtimeVersion  string
	walPath         string
	walMirrorPath   string
	journalPath     string
	signingKeyID    string
	trustAnchors    []string
	identityURL     string
	budgetURL       string
	policyURL       string
	indexerURL      string
	redisAddr       string
	otlpEndpoint    string
	strictRedaction bool
}

// build wires every subsystem together and returns a ready-to-bootstrap
// Orchestrator. Every resource it opens that needs releasing on
// shutdown (adapter HTTP clients, the optional Redis cache connection,
// the optional SQLite mirror, the observability tracer provider) is
// registered into Deps.AdapterClosers,
// which Orchestrator.Shutdown runs — the WAL file itself has no
// explicit Close, and the receipt journal is reopened per append.
func build(cfg buildConfig) (*orchestrator.Orchestrator, error) {
	w, err := wal.Open(cfg.walPath)
	if err != nil {
		return nil, fmt.Errorf("cccsd: open wal: %w", err)
	}
	c := courier.New(w)
	enq := orchestrator.NewEnqueuer(c)

	var closers []func()
	if cfg.walMirrorPath != "" {
		mirror, err := wal.OpenSQLiteMirror(cfg.walMirrorPath)
		if err != nil {
			return nil, fmt.Errorf("cccsd: open wal sqlite mirror: %w", err)
		}
		w.SetMirror(mirror)
		closers = append(closers, func() { _ = mirror.Close() })
	}

	var identityCache identity.Cache
	if cfg.redisAddr != "" {
		rc := identity.NewRedisCache(cfg.redisAddr, "", 0, time.Hour)
		identityCache = rc
		closers = append(closers, func() { _ = rc.Close() })
	}

	identityClientCfg := adapters.ClientConfig{BaseURL: cfg.identityURL}
	identityAdapter := adapters.NewIdentityAdapter(cfg.identityURL, identityClientCfg)
	closers = append(closers, identityAdapter.Close)

	var resolver *identity.Resolver
	if identityCache != nil {
		resolver = identity.NewResolverWithCache(identityAdapter, enq, true, identityCache)
	} else {
		resolver = identity.NewResolver(identityAdapter, enq, true)
	}

	budgetAdapter := adapters.NewBudgetAdapter(cfg.budgetURL, adapters.ClientConfig{BaseURL: cfg.budgetURL}, true)
	closers = append(closers, budgetAdapter.Close)
	guard := budget.NewGuard(budgetAdapter, enq, true)

	policyAdapter := adapters.NewPolicyAdapter(cfg.policyURL, adapters.ClientConfig{BaseURL: cfg.policyURL})
	closers = append(closers, policyAdapter.Close)

	evaluator, err := policy.NewEvaluator(cfg.trustAnchors)
	if err != nil {
		return nil, fmt.Errorf("cccsd: build evaluator: %w", err)
	}
	if err := seedDefaultSnapshot(evaluator, cfg.trustAnchors[0]); err != nil {
		return nil, fmt.Errorf("cccsd: seed default policy snapshot: %w", err)
	}

	merger, err := config.NewMerger(contracts.ConfigLayers{})
	if err != nil {
		return nil, fmt.Errorf("cccsd: build config merger: %w", err)
	}

	redactionSvc := redaction.NewService(nil, cfg.strictRedaction)

	signer, err := signing.NewSigner(cfg.signingKeyID)
	if err != nil {
		return nil, fmt.Errorf("cccsd: generate signer: %w", err)
	}

	var indexerAdapter *adapters.IndexerAdapter
	if cfg.indexerURL != "" {
		indexerAdapter = adapters.NewIndexerAdapter(cfg.indexerURL, adapters.ClientConfig{BaseURL: cfg.indexerURL})
		closers = append(closers, indexerAdapter.Close)
	}

	var indexerForBuilder receipt.IndexerAdapter
	if indexerAdapter != nil {
		indexerForBuilder = indexerAdapter
	}

	receiptBuilder, err := receipt.NewBuilder(receipt.Config{
		JournalPath: cfg.journalPath,
		Signer:      signer,
		Courier:     c,
		Indexer:     indexerForBuilder,
	})
	if err != nil {
		return nil, fmt.Errorf("cccsd: build receipt builder: %w", err)
	}

	obsCfg := observability.DefaultConfig()
	if cfg.otlpEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.otlpEndpoint
	}
	provider, err := observability.New(context.Background(), obsCfg)
	if err != nil {
		return nil, fmt.Errorf("cccsd: build observability provider: %w", err)
	}
	closers = append(closers, func() { _ = provider.Shutdown(context.Background()) })

	sink := courier.BuildDefaultSink(courier.DefaultSinkConfig{
		IdentityCall: func(payload map[string]interface{}) error {
			return resolver.ProcessWALEntry(context.Background(), payload)
		},
		BudgetCall: func(payload map[string]interface{}) error {
			return guard.ProcessWALEntry(context.Background(), payload)
		},
	})
	drain := courier.NewDrainWorker(c, sink, nil)
	go drain.Run()

	healthCheckers := map[string]orchestrator.HealthChecker{
		"identity": func(ctx context.Context) bool { return identityAdapter.Health(ctx) },
		"budget":   func(ctx context.Context) bool { return budgetAdapter.Health(ctx) },
		"policy":   func(ctx context.Context) bool { return policyAdapter.Health(ctx) },
	}
	if indexerAdapter != nil {
		healthCheckers["indexer"] = func(ctx context.Context) bool { return indexerAdapter.Health(ctx) }
	}

	o, err := orchestrator.New(orchestrator.Config{
		Mode:           orchestrator.Mode(cfg.mode),
		RuntimeVersion: cfg.runtimeVersion,
		HealthCheckers: healthCheckers,
	}, orchestrator.Deps{
		Identity:       resolver,
		ConfigMerger:   merger,
		Policy:         evaluator,
		Budget:         guard,
		ReceiptBuilder: receiptBuilder,
		Redaction:      redactionSvc,
		Observability:  provider,
		WAL:            w,
		Drain:          drain,
		AdapterClosers: closers,
	})
	if err != nil {
		return nil, fmt.Errorf("cccsd: build orchestrator: %w", err)
	}

	return o, nil
}

// seedDefaultSnapshot loads a permissive allow-all snapshot so the
// demo binary answers /v1/flow requests out of the box with no
// external policy file configured. A real deployment replaces this
// with an admin-pushed LoadSnapshot call carrying its own rules.
func seedDefaultSnapshot(e *policy.Evaluator, secret string) error {
	payload := policy.SnapshotPayload{
		ModuleID: "default",
		Version:  "v1",
		Rules: []contracts.PolicyRule{
			{RuleID: "allow-all", Priority: 0, Decision: contracts.DecisionAllow, Rationale: "default_allow"},
		},
	}
	sig, err := signing.SignSnapshotHMAC(payload, secret)
	if err != nil {
		return err
	}
	return e.LoadSnapshot(payload, sig)
}
