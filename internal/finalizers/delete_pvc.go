// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package finalizer

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
)

// DeleteClaimsFinalizer removes the data claims of the StatefulSet, which outlive it otherwise.
type DeleteClaimsFinalizer struct {
}

func (ef *DeleteClaimsFinalizer) DeleteMethod(ctx context.Context, rc *redisv1.RedisCluster, c client.Client) error {
	pvc := &corev1.PersistentVolumeClaim{}
	return c.DeleteAllOf(ctx, pvc, client.InNamespace(rc.Namespace), client.MatchingLabels(kubernetes.SelectorLabels(rc)))
}

func (ef *DeleteClaimsFinalizer) GetId() string {
	return "redis.eclipse.org/delete-claims"
}
