// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	finalizer "github.com/EclipseFdn/open-vsx.org/internal/finalizers"
)

// checkFinalizers keeps the claims finalizer in line with spec.persistence.deleteClaims and runs
// the finalizers of a RedisCluster being deleted. It returns true when reconciliation must stop.
func (r *RedisClusterReconciler) checkFinalizers(ctx context.Context, rc *redisv1.RedisCluster) (bool, error) {
	var claimsFinalizer = (&finalizer.DeleteClaimsFinalizer{}).GetId()

	if rc.GetDeletionTimestamp().IsZero() {
		wanted := rc.Spec.Persistence.DeleteClaims
		if wanted == controllerutil.ContainsFinalizer(rc, claimsFinalizer) {
			return false, nil
		}
		if wanted {
			controllerutil.AddFinalizer(rc, claimsFinalizer)
			r.logInfo(rc.NamespacedName(), "Added finalizer. Claims will be deleted with the cluster")
		} else {
			controllerutil.RemoveFinalizer(rc, claimsFinalizer)
			r.logInfo(rc.NamespacedName(), "Removed finalizer. Claims will be kept when the cluster is deleted")
		}
		return false, r.Client.Update(ctx, rc)
	}

	for _, f := range r.Finalizers {
		if !controllerutil.ContainsFinalizer(rc, f.GetId()) {
			continue
		}
		r.logInfo(rc.NamespacedName(), "Running finalizer", "id", f.GetId())
		if err := f.DeleteMethod(ctx, rc, r.Client); err != nil {
			r.logError(rc.NamespacedName(), err, "Finalizer returned error", "id", f.GetId())
			return true, err
		}
		controllerutil.RemoveFinalizer(rc, f.GetId())
		if err := r.Client.Update(ctx, rc); err != nil {
			return true, err
		}
	}
	return true, nil
}
