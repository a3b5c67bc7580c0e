// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var ErrExpansionNotAllowed = errors.New("storage class does not allow volume expansion")

// CheckExpansion returns ErrExpansionNotAllowed when the storage class cannot grow volumes.
func CheckExpansion(ctx context.Context, c client.Client, storageClass string) error {
	sc := &storagev1.StorageClass{}
	if err := c.Get(ctx, types.NamespacedName{Name: storageClass}, sc); err != nil {
		return fmt.Errorf("reading storage class %q: %w", storageClass, err)
	}
	if sc.AllowVolumeExpansion == nil || !*sc.AllowVolumeExpansion {
		return fmt.Errorf("%w: %q", ErrExpansionNotAllowed, storageClass)
	}
	return nil
}

// ClaimResized is true once the claim capacity reaches gi, or the volume itself was grown and
// only the file system resize is left, which happens when the pod mounts it again.
func ClaimResized(pvc *corev1.PersistentVolumeClaim, gi int32) bool {
	want := StorageQuantity(gi)
	if capacity, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok && capacity.Cmp(want) >= 0 {
		return true
	}
	for _, cond := range pvc.Status.Conditions {
		if cond.Type == corev1.PersistentVolumeClaimFileSystemResizePending && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
