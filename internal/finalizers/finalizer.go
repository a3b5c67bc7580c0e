// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package finalizer

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/client"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
)

// Finalizer cleans up what garbage collection does not remove when a RedisCluster is deleted.
type Finalizer interface {
	DeleteMethod(context.Context, *redisv1.RedisCluster, client.Client) error
	GetId() string
}
