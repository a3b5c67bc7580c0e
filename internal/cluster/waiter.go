// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/EclipseFdn/open-vsx.org/internal/metrics"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// Predicate is evaluated until it returns true.
type Predicate func(ctx context.Context) (bool, error)

// Waiter polls a predicate at a fixed interval. Gossip offers no completion callback, so this is
// how every "wait until" of the topology engine is expressed.
type Waiter struct {
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.MetricsManager
	log      logr.Logger
}

// NewWaiter creates a Waiter. A zero timeout polls until the context is done.
func NewWaiter(interval, timeout time.Duration, mm *metrics.MetricsManager, log logr.Logger) *Waiter {
	return &Waiter{interval: interval, timeout: timeout, metrics: mm, log: log}
}

// Until blocks until pred is true. Errors from pred mean "not yet", except infrastructure
// errors which are returned at once.
func (w *Waiter) Until(ctx context.Context, condition string, pred Predicate) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	err := wait.PollUntilContextCancel(ctx, w.interval, true, func(ctx context.Context) (bool, error) {
		done, err := pred(ctx)
		if err != nil {
			if rediscli.IsInfrastructure(err) {
				return false, err
			}
			w.log.V(1).Info("Condition not met yet", "condition", condition, "reason", err.Error())
			w.metrics.IncPoll(condition)
			return false, nil
		}
		if !done {
			w.log.V(1).Info("Condition not met yet", "condition", condition)
			w.metrics.IncPoll(condition)
		}
		return done, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", condition, err)
	}
	return nil
}
