// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
)

func (r *RedisClusterReconciler) setConditionTrue(rc *redisv1.RedisCluster, condition metav1.Condition, message string) {
	if !meta.IsStatusConditionTrue(rc.Status.Conditions, condition.Type) {
		condition.LastTransitionTime = metav1.Now()
		meta.SetStatusCondition(&rc.Status.Conditions, condition)
		r.Recorder.Event(rc, corev1.EventTypeNormal, condition.Reason, message)
	}
}

func setConditionFalse(log logr.Logger, rc *redisv1.RedisCluster, condition metav1.Condition) {
	condition.Status = metav1.ConditionFalse
	condition.LastTransitionTime = metav1.Now()
	changed := meta.SetStatusCondition(&rc.Status.Conditions, condition)
	if changed {
		log.Info("Condition set to false", "condition", condition.Type)
	}
}

func setAllConditionsFalse(log logr.Logger, rc *redisv1.RedisCluster) {
	for _, condition := range redisv1.AllConditions {
		setConditionFalse(log, rc, condition)
	}
}
