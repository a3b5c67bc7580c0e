// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
)

func statefulSetKey(rc *redisv1.RedisCluster) types.NamespacedName {
	return types.NamespacedName{Namespace: rc.Namespace, Name: rc.BaseName()}
}

// podsReady reports whether every pod with an ordinal in [from, to) is running and ready.
func (r *RedisClusterReconciler) podsReady(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes, from, to int) (bool, error) {
	for i := from; i < to; i++ {
		key := types.NamespacedName{Namespace: rc.Namespace, Name: nodes.PodName(i)}
		ready, err := kubernetes.PodReady(ctx, r.Client, key)
		if err != nil || !ready {
			if err == nil {
				r.logInfo(rc.NamespacedName(), "Waiting for pod to be ready", "pod", key.Name)
			}
			return false, err
		}
	}
	return true, nil
}

// initialize creates the Redis cluster once the last pod of the StatefulSet is ready.
func (r *RedisClusterReconciler) initialize(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) (bool, error) {
	if rc.Status.Status != redisv1.StatusInitializing {
		rc.Status.Status = redisv1.StatusInitializing
		rc.Status.Message = ""
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return false, err
		}
	}

	// replicas may have changed before the cluster was ever created
	size := rc.Spec.Replicas
	if err := kubernetes.PatchReplicas(ctx, r.Client, statefulSetKey(rc), size); err != nil {
		return false, err
	}
	if ready, err := r.podsReady(ctx, rc, nodes, int(size)-1, int(size)); !ready || err != nil {
		return false, err
	}

	if err := r.Topology.CreateCluster(ctx, nodes, int(size)); err != nil {
		return false, err
	}

	recordApplied(rc)
	rc.Status.Replicas = size
	r.Recorder.Event(rc, corev1.EventTypeNormal, "RedisClusterCreated", fmt.Sprintf("Redis cluster created with %d nodes", size))
	return true, r.updateClusterStatus(ctx, rc)
}

// scaleUp grows the StatefulSet, waits for the new pods and joins them to the cluster.
func (r *RedisClusterReconciler) scaleUp(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) (bool, error) {
	oldSize, newSize := rc.Status.Replicas, rc.Spec.Replicas
	if rc.Status.Status != redisv1.StatusScalingUp {
		rc.Status.Status = redisv1.StatusScalingUp
		setConditionFalse(r.getHelperLogger(rc.NamespacedName()), rc, redisv1.ConditionScalingDown)
		r.setConditionTrue(rc, redisv1.ConditionScalingUp, fmt.Sprintf("Scaling up from %d to %d nodes", oldSize, newSize))
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return false, err
		}
	}

	if err := kubernetes.PatchReplicas(ctx, r.Client, statefulSetKey(rc), newSize); err != nil {
		return false, err
	}
	if ready, err := r.podsReady(ctx, rc, nodes, int(oldSize), int(newSize)); !ready || err != nil {
		return false, err
	}

	if err := r.Topology.ScaleUp(ctx, nodes, int(oldSize), int(newSize)); err != nil {
		return false, err
	}

	rc.Status.Replicas = newSize
	setConditionFalse(r.getHelperLogger(rc.NamespacedName()), rc, redisv1.ConditionScalingUp)
	r.logInfo(rc.NamespacedName(), "Scaled up Redis cluster", "from", oldSize, "to", newSize)
	return true, r.updateClusterStatus(ctx, rc)
}

// scaleDown removes the departing nodes from the cluster and only then shrinks the StatefulSet.
func (r *RedisClusterReconciler) scaleDown(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) (bool, error) {
	oldSize, newSize := rc.Status.Replicas, rc.Spec.Replicas
	if rc.Status.Status != redisv1.StatusScalingDown {
		rc.Status.Status = redisv1.StatusScalingDown
		setConditionFalse(r.getHelperLogger(rc.NamespacedName()), rc, redisv1.ConditionScalingUp)
		r.setConditionTrue(rc, redisv1.ConditionScalingDown, fmt.Sprintf("Scaling down from %d to %d nodes", oldSize, newSize))
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return false, err
		}
	}

	if err := r.Topology.ScaleDown(ctx, nodes, int(oldSize), int(newSize)); err != nil {
		return false, err
	}
	if err := kubernetes.PatchReplicas(ctx, r.Client, statefulSetKey(rc), newSize); err != nil {
		return false, err
	}

	rc.Status.Replicas = newSize
	setConditionFalse(r.getHelperLogger(rc.NamespacedName()), rc, redisv1.ConditionScalingDown)
	r.logInfo(rc.NamespacedName(), "Scaled down Redis cluster", "from", oldSize, "to", newSize)
	return true, r.updateClusterStatus(ctx, rc)
}

// recordApplied marks every field of the spec as applied to the live cluster.
func recordApplied(rc *redisv1.RedisCluster) {
	rc.Status.MaxMemory = rc.Spec.MaxMemory
	rc.Status.Image = rc.Spec.Image
	rc.Status.ImagePullPolicy = rc.Spec.ImagePullPolicy
	rc.Status.ResourcesHash = resourcesHash(rc.Spec.Resources)
	rc.Status.StorageGi = rc.Spec.Persistence.StorageGi
	rc.Status.StorageClass = rc.Spec.Persistence.StorageClass
}

func resourcesHash(resources *corev1.ResourceRequirements) string {
	if resources == nil {
		return ""
	}
	data, err := json.Marshal(resources)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
