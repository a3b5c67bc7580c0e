// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
)

// checkAndCreateK8sObjects creates the ConfigMap, the headless Service and the StatefulSet when
// they are missing. Existing objects are only changed through the field handlers.
func (r *RedisClusterReconciler) checkAndCreateK8sObjects(ctx context.Context, rc *redisv1.RedisCluster) error {
	port := r.Config.Redis.Port

	// ConfigMap check
	if err := r.checkAndCreate(ctx, rc, kubernetes.NewConfigMap(rc), &corev1.ConfigMap{}); err != nil {
		return err
	}

	// Service check
	if err := r.checkAndCreate(ctx, rc, kubernetes.NewService(rc, port), &corev1.Service{}); err != nil {
		return err
	}

	// StatefulSet check
	sts := kubernetes.NewStatefulSet(rc, port)
	if rc.Status.Replicas > 0 {
		// scaling is driven by the reconciler, never by the initial object
		sts.Spec.Replicas = &rc.Status.Replicas
	}
	if err := r.checkAndCreate(ctx, rc, sts, &appsv1.StatefulSet{}); err != nil {
		return err
	}

	if rc.Status.StatefulSetName == "" {
		rc.Status.StatefulSetName = sts.Name
		rc.Status.ServiceName = rc.ServiceName()
		rc.Status.ContainerName = kubernetes.ContainerName
		rc.Status.PVCName = rc.PVCName()
		rc.Status.ConfigMapName = rc.ConfigMapName()
		return r.updateClusterStatus(ctx, rc)
	}
	return nil
}

// checkAndCreate creates desired, owned by rc, unless an object with its name already exists.
func (r *RedisClusterReconciler) checkAndCreate(ctx context.Context, rc *redisv1.RedisCluster, desired, existing client.Object) error {
	err := r.Client.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		r.logError(rc.NamespacedName(), err, "Getting object failed", "name", desired.GetName())
		return err
	}

	if err := ctrl.SetControllerReference(rc, desired, r.Scheme); err != nil {
		return err
	}
	r.logInfo(rc.NamespacedName(), "Creating child object", "kind", kindOf(desired), "name", desired.GetName())
	if err := r.Client.Create(ctx, desired); err != nil && !apierrors.IsAlreadyExists(err) {
		r.logError(rc.NamespacedName(), err, "Error when creating child object", "name", desired.GetName())
		return err
	}
	return nil
}

func kindOf(obj client.Object) string {
	switch obj.(type) {
	case *corev1.ConfigMap:
		return "ConfigMap"
	case *corev1.Service:
		return "Service"
	case *appsv1.StatefulSet:
		return "StatefulSet"
	}
	return "Object"
}

// updateClusterStatus writes the status of rc onto a fresh copy of the object.
func (r *RedisClusterReconciler) updateClusterStatus(ctx context.Context, rc *redisv1.RedisCluster) error {
	r.logInfo(rc.NamespacedName(), "New cluster status", "status", rc.Status.Status, "replicas", rc.Status.Replicas)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		// get a fresh rediscluster to minimize conflicts
		refreshed := &redisv1.RedisCluster{}
		if err := r.Client.Get(ctx, rc.NamespacedName(), refreshed); err != nil {
			r.logError(rc.NamespacedName(), err, "Error getting a refreshed RedisCluster before updating it. It may have been deleted?")
			return err
		}
		refreshed.Status = *rc.Status.DeepCopy()
		if err := r.Client.Status().Update(ctx, refreshed); err != nil {
			return err
		}
		rc.ResourceVersion = refreshed.ResourceVersion
		return nil
	})
}
