// Command aegis is the single-binary daemon: it loads configuration, wires
// every component of the Incident-to-Production pipeline (spec.md §2), and
// runs the watcher, processor daemon, and HTTP surface until signalled to
// stop. Flag parsing and terminal rendering are deliberately thin — the rich
// front-end is out of scope (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	tektonclient "github.com/tektoncd/pipeline/pkg/client/clientset/versioned"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/pkg/ai/llm"
	"github.com/aegis-sre/aegis/pkg/diagnostics"
	"github.com/aegis-sre/aegis/pkg/httpapi"
	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/metrics"
	"github.com/aegis-sre/aegis/pkg/operator"
	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
	"github.com/aegis-sre/aegis/pkg/pipeline"
	"github.com/aegis-sre/aegis/pkg/queue"
	"github.com/aegis-sre/aegis/pkg/security"
	"github.com/aegis-sre/aegis/pkg/shadow"
	"github.com/aegis-sre/aegis/pkg/shared/logging"
	"github.com/aegis-sre/aegis/pkg/signalprocessing/classifier"
	"github.com/aegis-sre/aegis/pkg/types"
)

func main() {
	configPath := flag.String("config", "/etc/aegis/config.yaml", "path to aegis's YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "aegis:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	registry := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(registry)

	productionNamespaces := map[string]bool{}
	for _, ns := range cfg.Kubernetes.ProductionNamespaces {
		productionNamespaces[ns] = true
	}
	isProduction := func(ns string) bool { return productionNamespaces[ns] }

	k8sClient, err := k8s.NewClient(cfg.Kubernetes.KubeconfigPath, cfg.Kubernetes.Context, logger)
	if err != nil {
		return fmt.Errorf("build cluster client: %w", err)
	}

	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("build LM client: %w", err)
	}

	severityClassifier, err := classifier.NewSeverityClassifier(logger)
	if err != nil {
		return fmt.Errorf("build severity classifier: %w", err)
	}

	gatePolicy, err := security.NewGatePolicy()
	if err != nil {
		return fmt.Errorf("build security gate policy: %w", err)
	}

	collectorCfg := diagnostics.Config{
		ToolPath: cfg.Kubernetes.DiagnosticTool,
		Timeout:  cfg.Kubernetes.APITimeout,
		LogLines: 200,
	}
	collector := diagnostics.NewCollector(collectorCfg, k8sClient, logger)
	if restCfg, rcErr := k8s.ResolveRestConfig(cfg.Kubernetes.KubeconfigPath, cfg.Kubernetes.Context); rcErr == nil {
		if mc, mcErr := metricsclient.NewForConfig(restCfg); mcErr == nil {
			collector = diagnostics.NewCollectorWithMetrics(collectorCfg, k8sClient, mc, logger)
		} else {
			logger.WithError(mcErr).Debug("metrics API unavailable, fault contexts will omit usage samples")
		}
	}

	evidence := dependency.NewInMemoryVectorFallback(logger)
	runner := pipeline.NewRunner(llmClient, evidence, logger)

	securityChain := buildSecurityChain(cfg, k8sClient, gatePolicy, metricsRegistry, logger)

	shadowMgr := shadow.NewManager(shadow.Config{
		NamespacePrefix: cfg.Shadow.NamespacePrefix,
		MaxConcurrent:   int64(cfg.Shadow.MaxConcurrent),
		ReadyTimeout:    cfg.Shadow.VerificationTimeout,
		CPURequest:      cfg.Shadow.CPURequest,
		MemoryRequest:   cfg.Shadow.MemoryRequest,
	}, k8sClient, securityChain, nil, logger)

	if cfg.Shadow.TektonVerification {
		restCfg, err := k8s.ResolveRestConfig(cfg.Kubernetes.KubeconfigPath, cfg.Kubernetes.Context)
		if err != nil {
			return fmt.Errorf("resolve cluster rest config for tekton export: %w", err)
		}
		tektonCS, err := tektonclient.NewForConfig(restCfg)
		if err != nil {
			return fmt.Errorf("build tekton clientset: %w", err)
		}
		shadowMgr.SetTektonExporter(shadow.NewTektonExporter(tektonCS, logger))
	}

	incidentQueue := queue.New(cfg.Queue.MaxSize, isProduction, logger)
	if cfg.Queue.DistributedLock && cfg.Queue.RedisAddr != "" {
		incidentQueue.SetDistributedLock(queue.NewDistributedLock(cfg.Queue.RedisAddr, 0))
	}

	var approver operator.Approver
	if cfg.Slack.Token != "" {
		approver = operator.NewSlackApprover(cfg.Slack.Token, cfg.Slack.Channel, 15*time.Minute, logger)
	} else {
		approver = operator.NewTerminalApprover(os.Stdin, os.Stdout, 5*time.Minute)
	}
	approvalGate := operator.NewApprovalGate(approver, productionNamespaces, logger)

	rollbackWatcher := operator.NewRollbackWatcher(operator.RollbackConfig{
		Enabled:            cfg.Rollback.Enabled,
		Window:             time.Duration(cfg.Rollback.WindowSeconds) * time.Second,
		PollInterval:       cfg.Rollback.PollInterval,
		ErrorRateThreshold: cfg.Rollback.ErrorRateThreshold,
		RestartThreshold:   cfg.Rollback.RestartThreshold,
	}, operator.NewK8sHealthSampler(k8sClient), operator.NewK8sReapplier(k8sClient), metricsRegistry, logger)

	var auditClient *operator.AuditClient
	if cfg.Database.DSN != "" {
		store, err := operator.NewPostgresAuditStore(context.Background(), cfg.Database.DSN)
		if err != nil {
			logger.WithError(err).Warn("audit store unavailable, continuing without persistence")
		} else {
			auditClient = operator.NewAuditClient(store, logger)
		}
	}

	processor := operator.NewProcessor(operator.Config{
		Workers:            4,
		VerificationWindow: cfg.Shadow.VerificationTimeout,
	}, incidentQueue, collector, runner, shadowMgr, approvalGate, rollbackWatcher, auditClient, k8sClient, metricsRegistry, isProduction, nil, logger)

	watchClient, err := k8s.NewWatchClient(cfg.Kubernetes.KubeconfigPath, cfg.Kubernetes.Context)
	if err != nil {
		return fmt.Errorf("build watch client: %w", err)
	}
	watcher := operator.NewWatcher(watchClient, incidentQueue, severityClassifier, metricsRegistry, logger)

	var resolver httpapi.ApprovalResolver
	if sa, ok := approver.(*operator.SlackApprover); ok {
		resolver = sa
	}
	server := httpapi.NewServer(registry, k8sClient, resolver, os.Getenv("SLACK_SIGNING_SECRET"), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot reload applies the log level only; every other field, including
	// anything that re-wires a client (provider, kubeconfig, DSN), still
	// needs a restart.
	if err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
		if lvl, parseErr := logrus.ParseLevel(next.Logging.Level); parseErr == nil {
			logger.SetLevel(lvl)
		}
	}); err != nil {
		logger.WithError(err).Warn("config hot reload unavailable")
	}

	go emitQueueDepth(ctx, incidentQueue, metricsRegistry)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("cluster watcher exited")
		}
	}()
	go processor.Run(ctx)

	httpServer := &http.Server{Addr: ":" + cfg.Server.MetricsPort, Handler: server}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server exited")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildSecurityChain wires the four-scanner gate chain (spec.md §4.5) from
// configuration, leaving any disabled scanner nil so Chain.Run skips its
// step entirely.
func buildSecurityChain(cfg *config.Config, k8sClient k8s.Client, policy *security.GatePolicy, m *metrics.Registry, logger *logrus.Logger) *security.Chain {
	runner := security.NewExecRunner()

	var image *security.ImageScanner
	if cfg.Security.ImageScanEnabled {
		image = security.NewImageScanner(cfg.Security.ImageScanTool, cfg.Security.ImageScanSeverity, security.ParseLogPriority(cfg.Security.ImageScanSeverity), runner, policy)
	}

	var runtimeAlert *security.RuntimeAlertScanner
	if cfg.Security.RuntimeAlertsEnabled {
		runtimeAlert = security.NewRuntimeAlertScanner(cfg.Security.RuntimeAlertsSourceNamespace, cfg.Security.RuntimeAlertsSelector, security.ParseLogPriority(cfg.Security.RuntimeAlertsSeverity), k8sClient, policy)
	}

	var web *security.WebScanner
	if cfg.Security.WebScanEnabled {
		web = security.NewWebScanner(cfg.Security.WebScanTool, security.PriorityError, runner, policy)
	}

	var manifest *security.ManifestScanner
	if cfg.Security.ManifestScanEnabled {
		manifest = security.NewManifestScanner(cfg.Security.ManifestScanTool, cfg.Security.ManifestScanBlockOnCritical, runner)
	}

	resolveURL := func(ctx context.Context, env types.ShadowEnvironment) string {
		if cfg.Security.WebScanTarget == "" {
			return ""
		}
		return cfg.Security.WebScanTarget
	}

	return security.NewChain(image, runtimeAlert, web, manifest, resolveURL, m, logger)
}

func emitQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := q.Snapshot()
			for priority, depth := range snap {
				m.IncidentQueueDepth.WithLabelValues(priority.String()).Set(float64(depth))
			}
		}
	}
}
