package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/odin-mesh/gateway/pkg/bridge"
	"github.com/odin-mesh/gateway/pkg/envelope"
	"github.com/odin-mesh/gateway/pkg/httpsig"
	"github.com/odin-mesh/gateway/pkg/keys"
	"github.com/odin-mesh/gateway/pkg/ledger"
	"github.com/odin-mesh/gateway/pkg/metrics"
	"github.com/odin-mesh/gateway/pkg/policy"
	"github.com/odin-mesh/gateway/pkg/registry"
	"github.com/odin-mesh/gateway/pkg/roaming"
	"github.com/odin-mesh/gateway/pkg/storage"
	"github.com/odin-mesh/gateway/pkg/tenant"
	"github.com/odin-mesh/gateway/pkg/tracing"
	"github.com/odin-mesh/gateway/pkg/translate"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the assembled gateway: shared components plus the HTTP
// surface over them.
type Server struct {
	cfg Config
	log *slog.Logger

	keys      *keys.Registry
	policy    *policy.Loader
	store     storage.Storage
	recorder  *ledger.Recorder
	journal   *ledger.Journal
	hopIndex  *ledger.SQLHopIndex
	maps      *translate.Registry
	schemas   *translate.SchemaRegistry
	engine    *translate.Engine
	forwarder *bridge.Forwarder
	hops      hopSink
	verifier  *envelope.Verifier
	httpsig   *httpsig.Verifier
	tenants   *tenant.Resolver
	quotas    *tenant.Quotas
	roaming   *roaming.Verifier
	minter    *roaming.Minter
	registry  *registry.Registry
	metrics   *metrics.Metrics
	traces    *tracing.Provider
}

// Build wires every component from configuration. Components that are
// optional by configuration (hop index, schemas, trust anchors) degrade
// to nil and the dependent routes answer accordingly.
func Build(ctx context.Context, cfg Config) (*Server, error) {
	log := slog.Default().With("component", "gateway")

	keyReg, err := keys.NewRegistry(keys.Sources{
		InlineJSON:      cfg.KeystoreJSON,
		Path:            cfg.KeystorePath,
		SinglePublicKey: cfg.SinglePublicKey,
	}, cfg.RotationGrace)
	if err != nil {
		return nil, fmt.Errorf("gateway: keys: %w", err)
	}

	policyLoader, err := policy.NewLoader(cfg.PolicyJSON, cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: policy: %w", err)
	}

	store, err := storage.FromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: storage: %w", err)
	}

	journal, err := ledger.NewJournal(filepath.Join(cfg.DataDir, "journal.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("gateway: journal: %w", err)
	}
	recorder, err := ledger.NewRecorder(store, filepath.Join(cfg.DataDir, "hops", "index"), journal)
	if err != nil {
		return nil, fmt.Errorf("gateway: recorder: %w", err)
	}

	var hopIndex *ledger.SQLHopIndex
	if cfg.HopIndexDSN != "" {
		hopIndex, err = ledger.OpenSQLHopIndex(cfg.HopIndexDSN)
		if err != nil {
			return nil, fmt.Errorf("gateway: hop index: %w", err)
		}
		if err := hopIndex.Init(ctx); err != nil {
			return nil, fmt.Errorf("gateway: hop index schema: %w", err)
		}
	}

	maps, err := translate.NewRegistry(cfg.SFTMapsDir)
	if err != nil {
		return nil, fmt.Errorf("gateway: sft maps: %w", err)
	}
	var schemas *translate.SchemaRegistry
	if cfg.SFTSchemas != "" {
		schemas, err = translate.NewSchemaRegistry(cfg.SFTSchemas)
		if err != nil {
			return nil, fmt.Errorf("gateway: sft schemas: %w", err)
		}
	}

	engine := translate.NewEngine(maps, schemas, keyReg, recorder)
	engine.CoverageGatePct = cfg.CoverageGatePct

	verifier := envelope.NewVerifier(keyReg)
	if schemas != nil {
		verifier.ValidateSFT = schemas.Validate
	}
	verifier.AllowedHosts = func() []string {
		return policyLoader.Snapshot().AllowedKeysetHosts()
	}

	sigVerifier := httpsig.NewVerifier(keyReg, cfg.HTTPSignSkew)

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Timeout = cfg.BridgeTimeout
	bridgeCfg.Retries = cfg.BridgeRetries
	bridgeCfg.Backoff = cfg.BridgeBackoff
	bridgeCfg.MaxHops = cfg.MaxHops
	sink := hopSink{recorder: recorder, index: hopIndex}
	forwarder := bridge.NewForwarder(engine, keyReg, sink, bridgeCfg)
	forwarder.Issuer = cfg.ExternalURL
	forwarder.Guard.AllowPrivate = cfg.BridgeAllowPrivate
	if len(cfg.BridgeAllowedHosts) > 0 {
		forwarder.Guard.AllowedHosts = make(map[string]bool, len(cfg.BridgeAllowedHosts))
		for _, h := range cfg.BridgeAllowedHosts {
			forwarder.Guard.AllowedHosts[h] = true
		}
	}

	anchors := map[string]roaming.TrustAnchor{}
	if loaded, err := roaming.LoadTrustAnchors(cfg.TrustAnchorPath); err == nil {
		anchors = loaded
	} else {
		log.Warn("trust anchors unavailable", "path", cfg.TrustAnchorPath, "error", err)
	}
	roamVerifier := roaming.NewVerifier(anchors, cfg.ExternalURL)
	minter := roaming.NewMinter(keyReg, cfg.ExternalURL)

	traces, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "odin-gateway",
		ServiceVersion: Version,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: tracing: %w", err)
	}

	srv := &Server{
		cfg:       cfg,
		log:       log,
		keys:      keyReg,
		policy:    policyLoader,
		store:     store,
		recorder:  recorder,
		journal:   journal,
		hopIndex:  hopIndex,
		maps:      maps,
		schemas:   schemas,
		engine:    engine,
		forwarder: forwarder,
		hops:      sink,
		verifier:  verifier,
		httpsig:   sigVerifier,
		tenants:   &tenant.Resolver{Require: cfg.RequireTenant},
		quotas: tenant.NewQuotas(
			tenant.QuotaConfig{RPS: cfg.TenantRPS, Burst: cfg.TenantBurst},
			tenant.QuotaConfig{RPS: cfg.SharedRPS, Burst: cfg.SharedBurst},
		),
		roaming:  roamVerifier,
		minter:   minter,
		registry: registry.New(store, verifier),
		metrics:  metrics.New(),
		traces:   traces,
	}
	srv.wireCounters()
	return srv, nil
}

// wireCounters connects component failure hooks to their instruments.
func (s *Server) wireCounters() {
	s.recorder.OnWriteFailure = func(kind string) {
		s.metrics.ReceiptWriteErrors.WithLabelValues(kind).Inc()
	}
	s.roaming.OnReject = func(reason string) {
		s.metrics.RoamingRejections.WithLabelValues(reason).Inc()
	}
	s.httpsig.OnError = func(reason string) {
		s.metrics.SignatureVerifies.WithLabelValues("httpsig", reason).Inc()
	}
	s.forwarder.OnHop = s.metrics.ObserveHop
	s.forwarder.OnIdentityMiss = s.metrics.IdentityMisses.Inc
	if fb, ok := s.store.(*storage.FallbackStore); ok {
		fb.OnFallback = func(op string) {
			s.metrics.StorageFallbacks.WithLabelValues(op).Inc()
		}
	}
}

// Handler builds the full route table. Metrics and health sit outside
// the pipeline and are never enforced or signed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/envelope", s.handleEnvelope)
	mux.HandleFunc("POST /v1/translate", s.handleTranslate)
	mux.HandleFunc("POST /v1/bridge/{target}", s.handleBridge)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)

	mux.HandleFunc("GET /v1/receipts/transform/{cid}", s.handleTransformReceipt)
	mux.HandleFunc("GET /v1/receipts/hops/chain/{trace}", s.handleHopChain)
	mux.HandleFunc("GET /v1/receipts/hops", s.handleRecentHops)
	mux.HandleFunc("GET /v1/receipts/{cid}", s.handleEnvelopeReceipt)

	mux.HandleFunc("POST /v1/registry/register", s.handleRegister)
	mux.HandleFunc("GET /v1/registry/services", s.handleListServices)
	mux.HandleFunc("GET /v1/registry/services/{id}", s.handleGetService)
	mux.HandleFunc("DELETE /v1/registry/services/{id}", s.handleDeleteService)

	mux.HandleFunc("POST /v1/roaming/pass", s.handleMintPass)
	mux.HandleFunc("GET /v1/roaming/config", s.handleRoamingConfig)

	mux.HandleFunc("POST /v1/admin/reload/policy", s.handleReloadPolicy)
	mux.HandleFunc("POST /v1/admin/reload/maps", s.handleReloadMaps)
	mux.HandleFunc("POST /v1/admin/rotate/keys", s.handleRotateKeys)

	mux.HandleFunc("POST /v1/admin/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/admin/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/admin/agents/{did}/status", s.handleAgentStatus)

	root := http.NewServeMux()
	root.Handle("/v1/", s.pipeline(mux))
	root.HandleFunc("GET /.well-known/odin/discovery.json", s.handleDiscovery)
	root.HandleFunc("GET /.well-known/odin/jwks.json", s.handleJWKS)
	root.Handle("GET /metrics", s.metrics.Handler())
	root.HandleFunc("GET /health", s.handleHealth)
	return root
}

// ListenAndServe runs the gateway until ctx is canceled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", "addr", s.cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// Close releases resources held by optional backends.
func (s *Server) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.traces.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("trace shutdown failed", "error", err)
	}
	if s.hopIndex != nil {
		return s.hopIndex.Close()
	}
	return nil
}

// hopSink fans a hop receipt out to the chain recorder and, when
// configured, the SQL index. The store write is authoritative; index
// inserts are best-effort.
type hopSink struct {
	recorder *ledger.Recorder
	index    *ledger.SQLHopIndex
}

func (h hopSink) RecordHop(ctx context.Context, hr ledger.HopReceipt) error {
	err := h.recorder.RecordHop(ctx, hr)
	if h.index != nil {
		if hr.CreatedTS == 0 {
			hr.CreatedTS = time.Now().UnixMilli()
		}
		_ = h.index.Insert(ctx, hr)
	}
	return err
}
