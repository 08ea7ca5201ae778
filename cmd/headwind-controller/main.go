// Package main is the entrypoint for the headwind-controller binary: the
// single process that runs every cluster watcher, the webhook/approval/
// metrics HTTP surfaces, and the poller, per spec.md §5's one-process,
// multi-task concurrency model. Wiring shape (errgroup of long-running
// tasks, manager-owned metrics server, signal-derived root context) is
// grounded on the teacher's gitjob/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/rest"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/approvalapi"
	hwcmd "github.com/headwind-sh/headwind/internal/cmd"
	"github.com/headwind-sh/headwind/internal/config"
	"github.com/headwind-sh/headwind/internal/controller/daemonset"
	"github.com/headwind-sh/headwind/internal/controller/deployment"
	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/controller/fanout"
	"github.com/headwind-sh/headwind/internal/controller/helmrelease"
	"github.com/headwind-sh/headwind/internal/controller/statefulset"
	"github.com/headwind-sh/headwind/internal/crd"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/poller"
	"github.com/headwind-sh/headwind/internal/registry"
	"github.com/headwind-sh/headwind/internal/webhook"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(headwindv1alpha1.AddToScheme(scheme))
}

// Controller is the Runnable bound to cobra flags via internal/cmd's
// struct-tag reflection, mirroring the teacher's own FleetManager command
// shape (internal/cmd/options.go's LeaderElectionOptions, command.Command).
type Controller struct {
	Kubeconfig          string `usage:"Path to a kubeconfig; empty uses in-cluster config"`
	Namespace           string `usage:"Namespace to restrict the manager cache to; empty watches all namespaces" env:"NAMESPACE"`
	LeaderElect         bool   `usage:"Enable leader election" default:"true"`
	LeaderElectionID    string `usage:"Leader election lease name" default:"headwind-controller-leader"`
	WebhookDisabled     bool   `usage:"Disable the webhook ingress HTTP server"`
	ApprovalAPIDisabled bool   `usage:"Disable the approval HTTP API server"`
	Debug               bool   `usage:"Enable debug (development-mode) logging"`
}

func (c *Controller) Run(cmd *cobra.Command, args []string) error {
	opts := zap.Options{Development: c.Debug}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.FromEnviron()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.Set(cfg)

	restCfg, err := loadRestConfig(c.Kubeconfig)
	if err != nil {
		return fmt.Errorf("get cluster config (fatal startup condition per spec.md §7): %w", err)
	}

	ctx := cmd.Context()

	if err := crd.Install(ctx, restCfg); err != nil {
		return fmt.Errorf("install UpdateRequest CRD: %w", err)
	}

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: "",
		LeaderElection:         c.LeaderElect,
		LeaderElectionID:       c.LeaderElectionID,
		LeaderElectionNamespace: c.Namespace,
	})
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return err
	}

	metrics.RegisterMetrics()

	sink := buildNotifySink(cfg)
	approvals := &approval.Manager{Client: mgr.GetClient()}
	credentials := &registry.CredentialResolver{Client: mgr.GetClient()}
	ociClient := registry.OCIClient{}
	helmClient := registry.HelmClient{OCI: ociClient}

	bus := events.NewBus(func() { metrics.EventsDropped.WithLabelValues("image_or_chart").Inc() })

	depReconciler := &deployment.Reconciler{
		Client: mgr.GetClient(),
		Engine: engine.New(headwindv1alpha1.TargetDeployment, approvals),
		Notify: sink,
	}
	stsReconciler := &statefulset.Reconciler{
		Client: mgr.GetClient(),
		Engine: engine.New(headwindv1alpha1.TargetStatefulSet, approvals),
		Notify: sink,
	}
	dsReconciler := &daemonset.Reconciler{
		Client: mgr.GetClient(),
		Engine: engine.New(headwindv1alpha1.TargetDaemonSet, approvals),
		Notify: sink,
	}
	hrReconciler := &helmrelease.Reconciler{
		Client: mgr.GetClient(),
		Engine: engine.New(headwindv1alpha1.TargetHelmRelease, approvals),
		Notify: sink,
	}

	for _, setup := range []interface {
		SetupWithManager(ctrl.Manager) error
	}{depReconciler, stsReconciler, dsReconciler, hrReconciler} {
		if err := setup.SetupWithManager(mgr); err != nil {
			return fmt.Errorf("setup reconciler: %w", err)
		}
	}

	consumer := &fanout.Consumer{
		Bus:          bus,
		ImageTargets: []fanout.ImageTarget{depReconciler, stsReconciler, dsReconciler},
		ChartTargets: []fanout.ChartTarget{hrReconciler},
		Approvals:    approvals,
		Notify:       sink,
	}

	apiHandler := &approvalapi.Handler{
		Client:    mgr.GetClient(),
		Approvals: approvals,
		Log:       setupLog.WithName("approvalapi"),
		ImageAppliers: map[headwindv1alpha1.TargetKind]approvalapi.ImageApplier{
			headwindv1alpha1.TargetDeployment:  depReconciler,
			headwindv1alpha1.TargetStatefulSet: stsReconciler,
			headwindv1alpha1.TargetDaemonSet:   dsReconciler,
		},
		ChartAppliers: map[headwindv1alpha1.TargetKind]approvalapi.ChartApplier{
			headwindv1alpha1.TargetHelmRelease: hrReconciler,
		},
		RollbackTargets: map[headwindv1alpha1.TargetKind]approvalapi.RollbackTarget{
			headwindv1alpha1.TargetDeployment:  depReconciler,
			headwindv1alpha1.TargetStatefulSet: stsReconciler,
			headwindv1alpha1.TargetDaemonSet:   dsReconciler,
		},
	}

	var pollr *poller.Poller
	if cfg.PollingEnabled {
		pollr = &poller.Poller{
			Bus:            bus,
			ImageSources:   []poller.ImageSource{depReconciler.EngineOf(), stsReconciler.EngineOf(), dsReconciler.EngineOf()},
			ChartSources:   []poller.ChartSource{hrReconciler.EngineOf()},
			Client:         mgr.GetClient(),
			OCI:            ociClient,
			Helm:           helmClient,
			Credentials:    credentials,
			Interval:       cfg.PollingInterval,
			WorkerPoolSize: cfg.PollerWorkerPoolSize,
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		setupLog.Info("starting manager")
		return mgr.Start(gctx)
	})

	group.Go(func() error {
		if !mgr.GetCache().WaitForCacheSync(gctx) {
			return fmt.Errorf("caches did not sync")
		}
		return consumer.Run(gctx)
	})

	if pollr != nil {
		group.Go(func() error {
			return pollr.Start(gctx)
		})
	}

	if !c.WebhookDisabled {
		group.Go(func() error {
			return serveHTTP(gctx, "webhook", cfg.WebhookAddr, webhook.New(bus, setupLog, cfg.WebhookSignatureKey).Router())
		})
	}

	if !c.ApprovalAPIDisabled {
		group.Go(func() error {
			return serveHTTP(gctx, "approval-api", cfg.ApprovalAPIAddr, apiHandler.Router())
		})
	}

	return group.Wait()
}

// loadRestConfig honors an explicit kubeconfig path, falling back to
// ctrl.GetConfig()'s in-cluster/KUBECONFIG-env/~/.kube/config search.
func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return ctrl.GetConfig()
}

// buildNotifySink assembles the notification pipeline (spec.md §4.7): a
// logging sink always fires, plus a metrics-wrapped webhook sink when
// NOTIFY_WEBHOOK_URL is configured.
func buildNotifySink(cfg *config.Config) notify.Sink {
	sinks := []notify.Sink{notify.LoggingSink{Log: setupLog.WithName("notify")}}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.WebhookSink{URL: cfg.NotifyWebhookURL})
	}
	return notify.MetricsSink{Delegate: notify.MultiSink{Sinks: sinks}}
}

// serveHTTP runs an http.Server bound to addr until ctx is cancelled,
// shutting it down gracefully, following the teacher's gitjob/main.go
// startWebhook shape.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	setupLog.Info("starting http server", "name", name, "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func main() {
	ctx := ctrl.SetupSignalHandler()
	cmd := hwcmd.Command(&Controller{}, cobra.Command{
		Use:   "headwind-controller",
		Short: "headwind-controller watches workloads and automates image/chart upgrades",
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		setupLog.Error(err, "headwind-controller exited")
		os.Exit(1)
	}
}
