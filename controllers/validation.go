// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
	"github.com/EclipseFdn/open-vsx.org/internal/rediscli"
)

// PermanentError is a problem only a change of the RedisCluster can fix. The reconciler reports
// it and waits for the next change instead of retrying.
type PermanentError struct {
	Reason  string
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

func permanent(reason, format string, args ...any) error {
	return &PermanentError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err, or any error it wraps, is a *PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// validate rejects specs that can never be applied. A secret that cannot be read is not
// permanent: it may simply not have been created yet.
func (r *RedisClusterReconciler) validate(ctx context.Context, rc *redisv1.RedisCluster) error {
	rules := r.Config.Cluster

	if rc.Spec.Replicas < rules.MinReplicas {
		return permanent("InvalidReplicas", "Replicas must be at least %d. Got %d.", rules.MinReplicas, rc.Spec.Replicas)
	}
	if rc.Environment() == "" {
		return permanent("MissingEnvironment", "Label %q is required.", redisv1.EnvironmentLabel)
	}
	host := kubernetes.PodHost(rc.BaseName(), rc.ServiceName())
	if len(host) > rules.MaxHostLength {
		return permanent("HostTooLong", "Host name must be %d chars or less. Got %d.", rules.MaxHostLength, len(host))
	}

	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: rc.Namespace, Name: rc.SecretName()}
	if err := r.Client.Get(ctx, key, secret); err != nil {
		return fmt.Errorf("failed to read secret %s: %w", rc.SecretName(), err)
	}
	for _, k := range rules.RequiredSecretKeys {
		if _, ok := secret.Data[k]; !ok {
			return permanent("InvalidSecret", "Secret %s must have %s.", rc.SecretName(), k)
		}
	}

	if rc.Status.Replicas == 0 {
		return nil
	}
	if rc.Spec.Persistence.StorageGi < rc.Status.StorageGi {
		return permanent("StorageShrink", "New storage size must be greater than old storage size.")
	}
	if rc.Spec.Persistence.StorageClass != rc.Status.StorageClass {
		if rc.Annotations[redisv1.StorageClassUnsupportedAnnotation] == "" {
			if err := kubernetes.AnnotateObject(ctx, r.Client, rc, redisv1.StorageClassUnsupportedAnnotation, "yes"); err != nil {
				return err
			}
		}
		return permanent("StorageClassChange", "Redis operator is unable to migrate from '%s' to '%s' storageClassName.",
			rc.Status.StorageClass, rc.Spec.Persistence.StorageClass)
	}
	return nil
}

// handleError records err on the RedisCluster. Permanent errors move it to Error and are not
// retried; any other error is retried after a delay.
func (r *RedisClusterReconciler) handleError(ctx context.Context, rc *redisv1.RedisCluster, err error) (ctrl.Result, error) {
	var perr *PermanentError
	if errors.As(err, &perr) {
		r.logError(rc.NamespacedName(), err, "RedisCluster cannot be applied")
		r.Recorder.Event(rc, corev1.EventTypeWarning, perr.Reason, perr.Message)
		rc.Status.Status = redisv1.StatusError
		rc.Status.Message = perr.Message
		return ctrl.Result{}, r.updateClusterStatus(ctx, rc)
	}

	if rediscli.IsInfrastructure(err) {
		r.logError(rc.NamespacedName(), err, "Redis tooling or credentials are not usable")
	} else {
		r.logError(rc.NamespacedName(), err, "Reconcile failed, will retry", "after", r.requeueAfter().String())
	}
	r.Recorder.Event(rc, corev1.EventTypeWarning, "ReconcileFailed", err.Error())
	return ctrl.Result{RequeueAfter: r.requeueAfter()}, nil
}
