// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// StatusInitializing: the RedisCluster objects exist but the Redis cluster has not been created yet.
//
// StatusReady: the live cluster matches the declared replicas and every applied field.
//
// StatusScalingUp: spec replicas > status replicas. New nodes are joined one by one.
//
// StatusScalingDown: spec replicas < status replicas. Departing masters are evacuated and
// departing nodes removed, highest ordinal first.
//
// StatusUpgrading: maxmemory, image, resources or storage changed and the StatefulSet is
// being rolled.
//
// StatusError: a permanent validation error was found. No cluster mutation is attempted until
// the spec is fixed.
const (
	StatusInitializing = "Initializing"
	StatusReady        = "Ready"
	StatusScalingUp    = "ScalingUp"
	StatusScalingDown  = "ScalingDown"
	StatusUpgrading    = "Upgrading"
	StatusError        = "Error"

	EnvironmentLabel                  = "environment"
	StorageClassUnsupportedAnnotation = "update-storage-class-unsupported"
)

var ConditionScalingUp = metav1.Condition{
	Type:               "ScalingUp",
	LastTransitionTime: metav1.Now(),
	Message:            "Redis cluster is scaling up",
	Reason:             "RedisClusterScalingUp",
	Status:             metav1.ConditionTrue,
}

var ConditionScalingDown = metav1.Condition{
	Type:               "ScalingDown",
	LastTransitionTime: metav1.Now(),
	Message:            "Redis cluster is scaling down",
	Reason:             "RedisClusterScalingDown",
	Status:             metav1.ConditionTrue,
}

var ConditionUpgrading = metav1.Condition{
	Type:               "Upgrading",
	LastTransitionTime: metav1.Now(),
	Message:            "Redis cluster is upgrading",
	Reason:             "RedisClusterUpgrading",
	Status:             metav1.ConditionTrue,
}

var AllConditions = []metav1.Condition{ConditionScalingUp, ConditionScalingDown, ConditionUpgrading}

// PersistenceSpec declares the data volume of every Redis node.
type PersistenceSpec struct {
	// +kubebuilder:validation:Minimum=1
	StorageGi int32 `json:"storageGi"`

	// +kubebuilder:validation:Optional
	StorageClass string `json:"storageClass,omitempty"`

	// DeleteClaims removes the data claims when the RedisCluster is deleted.
	// +kubebuilder:validation:Optional
	// +kubebuilder:default=false
	DeleteClaims bool `json:"deleteClaims,omitempty"`
}

// RedisClusterSpec defines the desired state of RedisCluster
type RedisClusterSpec struct {
	// Number of Redis nodes. Half of them end up as masters, half as replicas.
	// +kubebuilder:validation:Minimum=0
	Replicas int32 `json:"replicas"`

	// +kubebuilder:validation:Optional
	// +kubebuilder:default="1gb"
	MaxMemory string `json:"maxmemory,omitempty"`

	// +kubebuilder:validation:Optional
	Image string `json:"image,omitempty"`

	// +kubebuilder:validation:Optional
	ImagePullPolicy corev1.PullPolicy `json:"imagePullPolicy,omitempty"`

	// +kubebuilder:validation:Optional
	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`

	Persistence PersistenceSpec `json:"persistence"`
}

// RedisClusterStatus defines the observed state of RedisCluster.
// Every "applied" field records the value the live cluster was last converged to, so the
// reconciler can derive old/new pairs without any other journal.
type RedisClusterStatus struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	Replicas        int32             `json:"replicas,omitempty"`
	MaxMemory       string            `json:"maxmemory,omitempty"`
	Image           string            `json:"image,omitempty"`
	ImagePullPolicy corev1.PullPolicy `json:"imagePullPolicy,omitempty"`
	StorageGi       int32             `json:"storageGi,omitempty"`
	StorageClass    string            `json:"storageClass,omitempty"`
	// Hash of the applied resources, to detect changes without keeping a full copy.
	ResourcesHash string `json:"resourcesHash,omitempty"`

	StatefulSetName string `json:"statefulSetName,omitempty"`
	ServiceName     string `json:"serviceName,omitempty"`
	ContainerName   string `json:"containerName,omitempty"`
	PVCName         string `json:"pvcName,omitempty"`
	ConfigMapName   string `json:"configMapName,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=rdcl
// +kubebuilder:printcolumn:name="Replicas",type="integer",JSONPath=".spec.replicas",description="Amount of Redis nodes"
// +kubebuilder:printcolumn:name="Maxmemory",type="string",JSONPath=".spec.maxmemory",description="Redis maxmemory"
// +kubebuilder:printcolumn:name="Storage",type="integer",priority=5,JSONPath=".spec.persistence.storageGi",description="Storage in Gi"
// +kubebuilder:printcolumn:name="Status",type="string",JSONPath=".status.status",description="The cluster status"
// RedisCluster is the Schema for the redisclusters API
type RedisCluster struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   RedisClusterSpec   `json:"spec,omitempty"`
	Status RedisClusterStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true
// RedisClusterList contains a list of RedisCluster
type RedisClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []RedisCluster `json:"items"`
}

func init() {
	SchemeBuilder.Register(&RedisCluster{}, &RedisClusterList{})
}

func (rc *RedisCluster) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Name: rc.Name, Namespace: rc.Namespace}
}

// Environment returns the value of the environment label every object name derives from.
func (rc *RedisCluster) Environment() string {
	return rc.Labels[EnvironmentLabel]
}

// BaseName is the name shared by the StatefulSet and the prefix of every child object.
func (rc *RedisCluster) BaseName() string {
	return fmt.Sprintf("%s-%s", rc.Name, rc.Environment())
}

func (rc *RedisCluster) ConfigMapName() string { return rc.BaseName() + "-config" }
func (rc *RedisCluster) ServiceName() string   { return rc.BaseName() + "-service" }
func (rc *RedisCluster) PVCName() string       { return rc.BaseName() + "-data" }
func (rc *RedisCluster) ACLName() string       { return rc.BaseName() + "-acl" }

// SecretName is shared by every cluster of the same environment.
func (rc *RedisCluster) SecretName() string {
	return fmt.Sprintf("redis-secret-%s", rc.Environment())
}
