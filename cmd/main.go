// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/controllers"
	"github.com/EclipseFdn/open-vsx.org/internal/cluster"
	"github.com/EclipseFdn/open-vsx.org/internal/config"
	finalizer "github.com/EclipseFdn/open-vsx.org/internal/finalizers"
	"github.com/EclipseFdn/open-vsx.org/internal/metrics"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
	"github.com/EclipseFdn/open-vsx.org/internal/topology"
	//+kubebuilder:scaffold:imports
)

const (
	USER_AGENT_NAME    = "redis-cluster-operator"
	USER_AGENT_VERSION = "1.0.0"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(redisv1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func main() {
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var maxConcurrentReconciles int
	var configPath string
	var envFile string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", controllers.DefaultMaxConcurrentReconciles, "Maximum number of RedisClusters reconciled at the same time.")
	flag.StringVar(&configPath, "config", "", "Path to the operator YAML configuration. Defaults apply when empty.")
	flag.StringVar(&envFile, "env-file", "./.env", "Optional .env file holding the redis-cli credentials.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	loader := &config.YAMLConfigLoader{}
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	cfg.Credentials = config.LoadCredentials(envFile)
	setupLog.Info(cfg.String())

	// Get namespace(s) to watch
	watchNamespace, err := getWatchNamespace()
	if err != nil {
		setupLog.Info("unable to get WatchNamespace, the manager will watch and manage resources in all namespaces")
	}

	// Controller options
	ctrlOptions := ctrl.Options{
		Scheme: scheme,
		Metrics: server.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "5f1c3a2e.redis.eclipse.org",
		Client: client.Options{
			Cache: &client.CacheOptions{
				DisableFor: []client.Object{
					&corev1.Secret{},
					&storagev1.StorageClass{},
				},
			},
		},
		Cache: cache.Options{
			DefaultNamespaces: watchNamespace,
		},
	}
	restConfig := ctrl.GetConfigOrDie()
	restConfig.UserAgent = USER_AGENT_NAME + "/" + USER_AGENT_VERSION
	mgr, err := ctrl.NewManager(restConfig, ctrlOptions)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	mm := metrics.NewMetricsManager(ctrlmetrics.Registry)
	redisLog := ctrl.Log.WithName("redis")
	gateway := rediscli.NewGateway(cfg.Redis, cfg.Credentials, mm, redisLog.WithName("cli"))
	waiter := cluster.NewWaiter(cfg.Redis.PollInterval, cfg.Redis.PollTimeout, mm, redisLog.WithName("waiter"))
	engine := topology.NewEngine(gateway, waiter, cfg.Redis.RebalanceAttempts, mm, redisLog.WithName("topology"))

	reconciler := &controllers.RedisClusterReconciler{
		Client:                  mgr.GetClient(),
		Log:                     ctrl.Log.WithName("controllers").WithName("RedisCluster"),
		Scheme:                  mgr.GetScheme(),
		Recorder:                mgr.GetEventRecorderFor("rediscluster-controller"),
		Config:                  cfg,
		Topology:                engine,
		Finalizers:              []finalizer.Finalizer{&finalizer.DeleteClaimsFinalizer{}},
		MaxConcurrentReconciles: maxConcurrentReconciles,
	}
	if err = reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "RedisCluster")
		os.Exit(1)
	}

	//+kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// getWatchNamespace returns the Namespace the operator should be watching for changes
func getWatchNamespace() (map[string]cache.Config, error) {
	// WatchNamespaceEnvVar is the constant for env variable WATCH_NAMESPACE
	// which specifies the Namespace to watch.
	// An empty value means the operator is running with cluster scope.
	var watchNamespaceEnvVar = "WATCH_NAMESPACE"

	namespaces, found := os.LookupEnv(watchNamespaceEnvVar)
	if !found || namespaces == "" {
		return nil, fmt.Errorf("%s must be set", watchNamespaceEnvVar)
	}

	watchNamespaces := make(map[string]cache.Config)
	for _, ns := range strings.Split(namespaces, ",") {
		setupLog.Info("manager set up with namespace", "namespace", ns)
		watchNamespaces[ns] = cache.Config{}
	}

	return watchNamespaces, nil
}
