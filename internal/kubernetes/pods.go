// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// PodRunningReady checks if the provided pod is running and has a condition of PodReady.
// Returns true if these conditions are met, or an error detailing the specific unmet condition.
func PodRunningReady(p *corev1.Pod) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("provided pod is nil")
	}
	if p.Status.Phase != corev1.PodRunning {
		return false, fmt.Errorf("expected pod '%s' to be '%v', but it was '%v'",
			p.Name, corev1.PodRunning, p.Status.Phase)
	}
	_, condition := GetPodCondition(&p.Status, corev1.PodReady)
	if condition == nil || condition.Status != corev1.ConditionTrue {
		return false, fmt.Errorf("pod '%s' does not have condition '%v=%v'",
			p.Name, corev1.PodReady, corev1.ConditionTrue)
	}
	return true, nil
}

// GetPodCondition returns the index and the reference to the pod condition of the specified type.
// Returns -1 and nil if the condition is not found or if the status is nil.
func GetPodCondition(status *corev1.PodStatus, conditionType corev1.PodConditionType) (int, *corev1.PodCondition) {
	if status == nil {
		return -1, nil
	}
	for i := range status.Conditions {
		if status.Conditions[i].Type == conditionType {
			return i, &status.Conditions[i]
		}
	}
	return -1, nil
}

// PodReady reports whether the pod key exists and is running and ready.
func PodReady(ctx context.Context, c client.Client, key types.NamespacedName) (bool, error) {
	pod := &corev1.Pod{}
	if err := c.Get(ctx, key, pod); err != nil {
		return false, client.IgnoreNotFound(err)
	}
	ready, _ := PodRunningReady(pod)
	return ready, nil
}

// PodWaiter blocks until pods or claims reach a given state, polling the API server.
type PodWaiter struct {
	Client   client.Client
	Interval time.Duration
	Log      logr.Logger
}

// WaitReady waits until the pod key is running and ready.
func (w PodWaiter) WaitReady(ctx context.Context, key types.NamespacedName) error {
	w.Log.Info("Waiting for pod to be ready", "pod", key.Name)
	err := wait.PollUntilContextCancel(ctx, w.Interval, true, func(ctx context.Context) (bool, error) {
		ready, err := PodReady(ctx, w.Client, key)
		w.Log.V(1).Info("Pod ready?", "pod", key.Name, "ready", ready)
		return ready, err
	})
	if err != nil {
		return fmt.Errorf("waiting for pod %s to be ready: %w", key, err)
	}
	w.Log.Info("Pod is ready", "pod", key.Name)
	return nil
}

// WaitDeleted waits until the pod key with the given uid is gone. A pod with the same name but a
// different uid is a replacement and counts as deleted.
func (w PodWaiter) WaitDeleted(ctx context.Context, key types.NamespacedName, uid types.UID) error {
	w.Log.Info("Waiting for pod to be deleted", "pod", key.Name)
	err := wait.PollUntilContextCancel(ctx, w.Interval, true, func(ctx context.Context) (bool, error) {
		pod := &corev1.Pod{}
		if err := w.Client.Get(ctx, key, pod); err != nil {
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		return uid != "" && pod.UID != uid, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for pod %s to be deleted: %w", key, err)
	}
	w.Log.Info("Pod deleted", "pod", key.Name)
	return nil
}

// WaitClaimResized waits until the claim key reports the requested size.
func (w PodWaiter) WaitClaimResized(ctx context.Context, key types.NamespacedName, gi int32) error {
	w.Log.Info("Waiting for claim capacity to be increased", "claim", key.Name, "storageGi", gi)
	err := wait.PollUntilContextCancel(ctx, w.Interval, true, func(ctx context.Context) (bool, error) {
		pvc := &corev1.PersistentVolumeClaim{}
		if err := w.Client.Get(ctx, key, pvc); err != nil {
			return false, err
		}
		return ClaimResized(pvc, gi), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for claim %s to be resized: %w", key, err)
	}
	w.Log.Info("Claim capacity increased", "claim", key.Name)
	return nil
}
