// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/config"
	finalizer "github.com/EclipseFdn/open-vsx.org/internal/finalizers"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
	"github.com/EclipseFdn/open-vsx.org/internal/topology"
)

const (
	DefaultRequeueAfter            = 10 * time.Second
	DefaultPodPollInterval         = 2 * time.Second
	DefaultMaxConcurrentReconciles = 10
)

// Topology changes the membership of a live Redis cluster. *topology.Engine implements it.
type Topology interface {
	CreateCluster(ctx context.Context, r topology.Resolver, size int) error
	ScaleUp(ctx context.Context, r topology.Resolver, oldSize, newSize int) error
	ScaleDown(ctx context.Context, r topology.Resolver, oldSize, newSize int) error
	WaitReachable(ctx context.Context, r topology.Resolver, ordinal int) error
}

// RedisClusterReconciler reconciles a RedisCluster object
type RedisClusterReconciler struct {
	client.Client
	Log                     logr.Logger
	Scheme                  *runtime.Scheme
	Recorder                record.EventRecorder
	Config                  *config.Configuration
	Topology                Topology
	DNS                     kubernetes.HostResolver
	Finalizers              []finalizer.Finalizer
	MaxConcurrentReconciles int
	RequeueAfter            time.Duration
	PodPollInterval         time.Duration
}

// +kubebuilder:rbac:groups=redis.eclipse.org,resources=redisclusters,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=redis.eclipse.org,resources=redisclusters/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;delete
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;list;watch;patch;deletecollection
// +kubebuilder:rbac:groups="",resources=configmaps;services,verbs=get;list;watch;create
// +kubebuilder:rbac:groups=apps,resources=statefulsets,verbs=get;list;watch;create;patch
// +kubebuilder:rbac:groups=storage.k8s.io,resources=storageclasses,verbs=get

// Reconcile compares spec.replicas with status.replicas and the other applied fields on every
// call and resumes whatever step is pending. The live cluster and the status are the only state.
func (r *RedisClusterReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	rc := &redisv1.RedisCluster{}
	if err := r.Client.Get(ctx, req.NamespacedName, rc); err != nil {
		r.logInfo(req.NamespacedName, "Can't find RedisCluster, probably deleted")
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	r.logInfo(req.NamespacedName, "RedisCluster reconciler called", "status", rc.Status.Status,
		"replicas", rc.Spec.Replicas, "appliedReplicas", rc.Status.Replicas)

	if stop, err := r.checkFinalizers(ctx, rc); err != nil {
		return r.handleError(ctx, rc, err)
	} else if stop {
		return ctrl.Result{}, nil
	}
	if err := r.validate(ctx, rc); err != nil {
		return r.handleError(ctx, rc, err)
	}
	if err := r.checkAndCreateK8sObjects(ctx, rc); err != nil {
		return r.handleError(ctx, rc, err)
	}

	nodes := kubernetes.NewNodes(rc, r.Config.Redis.Port, r.DNS)

	done, err := true, error(nil)
	switch {
	case rc.Status.Replicas == 0:
		done, err = r.initialize(ctx, rc, nodes)
	case rc.Spec.Replicas > rc.Status.Replicas:
		done, err = r.scaleUp(ctx, rc, nodes)
	case rc.Spec.Replicas < rc.Status.Replicas:
		done, err = r.scaleDown(ctx, rc, nodes)
	}
	// field changes made while the cluster was being resized are applied in the same pass
	if err == nil && done {
		done, err = r.applyFieldChanges(ctx, rc, nodes)
	}
	if err != nil {
		return r.handleError(ctx, rc, err)
	}
	if !done {
		return ctrl.Result{RequeueAfter: r.requeueAfter()}, nil
	}

	if rc.Status.Status != redisv1.StatusReady || rc.Status.Message != "" {
		rc.Status.Status = redisv1.StatusReady
		rc.Status.Message = ""
		setAllConditionsFalse(r.getHelperLogger(rc.NamespacedName()), rc)
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return ctrl.Result{}, err
		}
	}
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *RedisClusterReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&redisv1.RedisCluster{}, builder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		))).
		Owns(&appsv1.StatefulSet{}).
		Owns(&corev1.ConfigMap{}).
		Owns(&corev1.Service{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.maxConcurrentReconciles()}).
		Complete(r)
}

// maxConcurrentReconciles bounds how many RedisClusters are reconciled at once. Requests for
// the same RedisCluster are always serialized.
func (r *RedisClusterReconciler) maxConcurrentReconciles() int {
	if r.MaxConcurrentReconciles < 1 {
		return DefaultMaxConcurrentReconciles
	}
	return r.MaxConcurrentReconciles
}

func (r *RedisClusterReconciler) requeueAfter() time.Duration {
	if r.RequeueAfter > 0 {
		return r.RequeueAfter
	}
	return DefaultRequeueAfter
}

func (r *RedisClusterReconciler) podWaiter(rc *redisv1.RedisCluster) kubernetes.PodWaiter {
	interval := r.PodPollInterval
	if interval <= 0 {
		interval = DefaultPodPollInterval
	}
	return kubernetes.PodWaiter{Client: r.Client, Interval: interval, Log: r.getHelperLogger(rc.NamespacedName())}
}

func (r *RedisClusterReconciler) logInfo(RCNamespacedName types.NamespacedName, msg string, keysAndValues ...interface{}) {
	redisClusterInfo := []interface{}{"redis-cluster", RCNamespacedName}
	r.Log.Info(msg, append(redisClusterInfo, keysAndValues...)...)
}

func (r *RedisClusterReconciler) logError(RCNamespacedName types.NamespacedName, err error, msg string, keysAndValues ...interface{}) {
	redisClusterInfo := []interface{}{"redis-cluster", RCNamespacedName}
	r.Log.Error(err, msg, append(redisClusterInfo, keysAndValues...)...)
}

func (r *RedisClusterReconciler) getHelperLogger(RCNamespacedName types.NamespacedName) logr.Logger {
	return r.Log.WithValues("redis-cluster", RCNamespacedName)
}
