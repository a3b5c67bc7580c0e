// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
)

// applyFieldChanges patches the StatefulSet for every field whose spec value differs from the
// applied one, then restarts the pods and, when storage grew, expands the claims.
func (r *RedisClusterReconciler) applyFieldChanges(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) (bool, error) {
	key := statefulSetKey(rc)
	container := kubernetes.ContainerName
	spec, applied := rc.Spec, &rc.Status
	var changes []string

	if spec.Image != applied.Image {
		r.logInfo(rc.NamespacedName(), "Image changed", "from", applied.Image, "to", spec.Image)
		if err := kubernetes.PatchImage(ctx, r.Client, key, container, kubernetes.Image(rc)); err != nil {
			return false, err
		}
		changes = append(changes, "image")
	}
	if spec.ImagePullPolicy != applied.ImagePullPolicy {
		r.logInfo(rc.NamespacedName(), "Image pull policy changed", "from", applied.ImagePullPolicy, "to", spec.ImagePullPolicy)
		if err := kubernetes.PatchImagePullPolicy(ctx, r.Client, key, container, spec.ImagePullPolicy); err != nil {
			return false, err
		}
		changes = append(changes, "imagePullPolicy")
	}
	if hash := resourcesHash(spec.Resources); hash != applied.ResourcesHash {
		r.logInfo(rc.NamespacedName(), "Resources changed", "resources", spec.Resources)
		if err := kubernetes.PatchResources(ctx, r.Client, key, container, spec.Resources); err != nil {
			return false, err
		}
		changes = append(changes, "resources")
	}
	if spec.MaxMemory != applied.MaxMemory {
		r.logInfo(rc.NamespacedName(), "Maxmemory changed", "from", applied.MaxMemory, "to", spec.MaxMemory)
		if err := kubernetes.PatchMaxMemory(ctx, r.Client, key, container, spec.MaxMemory); err != nil {
			return false, err
		}
		changes = append(changes, "maxmemory")
	}

	if len(changes) > 0 {
		if err := r.startUpgrade(ctx, rc, fmt.Sprintf("Restarting Redis nodes, changed: %v", changes)); err != nil {
			return false, err
		}
		if err := r.rollPods(ctx, rc, nodes); err != nil {
			return false, err
		}
		applied.Image = spec.Image
		applied.ImagePullPolicy = spec.ImagePullPolicy
		applied.ResourcesHash = resourcesHash(spec.Resources)
		applied.MaxMemory = spec.MaxMemory
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return false, err
		}
	}

	if spec.Persistence.StorageGi > applied.StorageGi {
		r.logInfo(rc.NamespacedName(), "Storage changed", "from", applied.StorageGi, "to", spec.Persistence.StorageGi)
		if err := r.startUpgrade(ctx, rc, fmt.Sprintf("Expanding storage from %dGi to %dGi", applied.StorageGi, spec.Persistence.StorageGi)); err != nil {
			return false, err
		}
		if err := r.expandStorage(ctx, rc, nodes); err != nil {
			return false, err
		}
		applied.StorageGi = spec.Persistence.StorageGi
		if err := r.updateClusterStatus(ctx, rc); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *RedisClusterReconciler) startUpgrade(ctx context.Context, rc *redisv1.RedisCluster, message string) error {
	if rc.Status.Status == redisv1.StatusUpgrading {
		return nil
	}
	rc.Status.Status = redisv1.StatusUpgrading
	r.setConditionTrue(rc, redisv1.ConditionUpgrading, message)
	return r.updateClusterStatus(ctx, rc)
}

// rollPods restarts the pods highest ordinal first. Each pod must be ready and answering again
// before the next one goes down, so at most one node is missing at any time. Pods already
// running the current revision of the StatefulSet are left alone.
func (r *RedisClusterReconciler) rollPods(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) error {
	sts := &appsv1.StatefulSet{}
	if err := r.Client.Get(ctx, statefulSetKey(rc), sts); err != nil {
		return err
	}
	waiter := r.podWaiter(rc)
	// the revision is only meaningful once the StatefulSet controller has seen the patch
	revision := ""
	if sts.Status.ObservedGeneration >= sts.Generation {
		revision = sts.Status.UpdateRevision
	}

	for i := int(rc.Status.Replicas) - 1; i >= 0; i-- {
		key := types.NamespacedName{Namespace: rc.Namespace, Name: nodes.PodName(i)}
		pod := &corev1.Pod{}
		if err := r.Client.Get(ctx, key, pod); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		if revision != "" && pod.Labels[appsv1.StatefulSetRevisionLabel] == revision {
			r.logInfo(rc.NamespacedName(), "Pod already runs the current revision", "pod", key.Name)
			continue
		}

		// a missing pod is already being recreated
		if pod.UID != "" {
			r.logInfo(rc.NamespacedName(), "Restarting pod", "pod", key.Name)
			if err := r.Client.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
			if err := waiter.WaitDeleted(ctx, key, pod.UID); err != nil {
				return err
			}
		}
		if err := waiter.WaitReady(ctx, key); err != nil {
			return err
		}
		if err := r.Topology.WaitReachable(ctx, nodes, i); err != nil {
			return err
		}
	}
	return nil
}

// expandStorage stops every pod, grows each claim and starts the pods again. The StatefulSet
// is scaled back even when a claim could not be grown.
func (r *RedisClusterReconciler) expandStorage(ctx context.Context, rc *redisv1.RedisCluster, nodes *kubernetes.Nodes) error {
	class := rc.Spec.Persistence.StorageClass
	if class == "" {
		return permanent("StorageClassNotSet", "A storage class must be set to expand volumes.")
	}
	if err := kubernetes.CheckExpansion(ctx, r.Client, class); err != nil {
		if errors.Is(err, kubernetes.ErrExpansionNotAllowed) {
			return permanent("StorageClassNotExpandable", "Storage class '%s' does not allow volume expansion.", class)
		}
		return err
	}

	replicas := rc.Status.Replicas
	key := statefulSetKey(rc)
	waiter := r.podWaiter(rc)

	if err := kubernetes.PatchReplicas(ctx, r.Client, key, 0); err != nil {
		return err
	}
	for i := int(replicas) - 1; i >= 0; i-- {
		if err := waiter.WaitDeleted(ctx, types.NamespacedName{Namespace: rc.Namespace, Name: nodes.PodName(i)}, ""); err != nil {
			return err
		}
	}

	gi := rc.Spec.Persistence.StorageGi
	var resizeErr error
	for i := 0; i < int(replicas); i++ {
		claim := types.NamespacedName{Namespace: rc.Namespace, Name: kubernetes.ClaimName(rc, i)}
		if resizeErr = kubernetes.PatchClaimStorage(ctx, r.Client, claim, gi); resizeErr != nil {
			break
		}
		if resizeErr = waiter.WaitClaimResized(ctx, claim, gi); resizeErr != nil {
			break
		}
	}

	if err := kubernetes.PatchReplicas(ctx, r.Client, key, replicas); err != nil {
		return errors.Join(resizeErr, err)
	}
	if resizeErr != nil {
		return fmt.Errorf("failed to increase persistent volume capacity: %w", resizeErr)
	}

	for i := 0; i < int(replicas); i++ {
		if err := waiter.WaitReady(ctx, types.NamespacedName{Namespace: rc.Namespace, Name: nodes.PodName(i)}); err != nil {
			return err
		}
		if err := r.Topology.WaitReachable(ctx, nodes, i); err != nil {
			return err
		}
	}
	r.Recorder.Event(rc, corev1.EventTypeNormal, "StorageExpanded", fmt.Sprintf("Storage expanded to %dGi", gi))
	return nil
}
