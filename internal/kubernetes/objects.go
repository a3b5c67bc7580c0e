// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
)

const (
	ClusterLabel   = "redis.eclipse.org/cluster"
	ComponentLabel = "redis.eclipse.org/component"
	ComponentRedis = "redis"

	ContainerName    = "redis"
	ACLContainerName = "acl"
	MaxMemoryEnvVar  = "MAXMEMORY"

	ConfigFileKey = "redis.conf"
	ACLFile       = "users.acl"

	configMountPath = "/conf"
	aclMountPath    = "/acl"
	dataMountPath   = "/data"

	// gossipPortOffset is fixed by Redis: the cluster bus listens on the client port + 10000.
	gossipPortOffset = 10000

	defaultImage = "redis:7.2"
)

// defaultConfig is written to redis.conf. maxmemory is not part of it: it comes from the
// MAXMEMORY variable so that changing it only needs a container patch and a rolling restart.
var defaultConfig = map[string][]string{
	"cluster-enabled":                 {"yes"},
	"cluster-config-file":             {dataMountPath + "/nodes.conf"},
	"cluster-node-timeout":            {"15000"},
	"cluster-require-full-coverage":   {"no"},
	"cluster-migration-barrier":       {"1"},
	"cluster-allow-replica-migration": {"yes"},
	"appendonly":                      {"yes"},
	"dir":                             {dataMountPath},
	"protected-mode":                  {"no"},
	"maxmemory-policy":                {"allkeys-lru"},
	"maxmemory-samples":               {"5"},
	"aclfile":                         {aclMountPath + "/" + ACLFile},
}

// aclScript renders users.acl from the environment secret before Redis starts.
const aclScript = `set -e
cat > ` + aclMountPath + "/" + ACLFile + ` <<EOF
user default off
user ${REDIS_CLI_USERNAME} on >${REDIS_CLI_PASSWORD} ~* &* +@all
user ${REDIS_OPENVSX_USERNAME} on >${REDIS_OPENVSX_PASSWORD} ~* &* +@all -@admin -@dangerous
user ${REDIS_METRICS_USERNAME} on >${REDIS_METRICS_PASSWORD} -@all +@connection +info +config|get +cluster|info +cluster|nodes +slowlog +latency +memory
user ${REDIS_REPLICA_USERNAME} on >${REDIS_REPLICA_PASSWORD} -@all +psync +replconf +ping
EOF`

const startScript = `exec redis-server ` + configMountPath + "/" + ConfigFileKey + ` --maxmemory "${MAXMEMORY}" --masteruser "${REDIS_REPLICA_USERNAME}" --masterauth "${REDIS_REPLICA_PASSWORD}"`

// SelectorLabels identify the pods of one RedisCluster.
func SelectorLabels(rc *redisv1.RedisCluster) map[string]string {
	return map[string]string{
		ClusterLabel:   rc.BaseName(),
		ComponentLabel: ComponentRedis,
	}
}

// Labels returns the labels of every child object: the RedisCluster labels plus the selector.
func Labels(rc *redisv1.RedisCluster) map[string]string {
	labels := make(map[string]string, len(rc.Labels)+2)
	maps.Copy(labels, rc.Labels)
	maps.Copy(labels, SelectorLabels(rc))
	return labels
}

// RedisConfig renders a redis.conf, keys sorted, one line per value.
func RedisConfig(config map[string][]string) string {
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		for _, value := range config[key] {
			lines = append(lines, fmt.Sprintf("%s %s", key, value))
		}
	}
	return strings.Join(lines, "\n")
}

func NewConfigMap(rc *redisv1.RedisCluster) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      rc.ConfigMapName(),
			Namespace: rc.Namespace,
			Labels:    Labels(rc),
		},
		Data: map[string]string{ConfigFileKey: RedisConfig(defaultConfig)},
	}
}

// NewService returns the headless service that gives every pod a stable host name.
func NewService(rc *redisv1.RedisCluster, port int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      rc.ServiceName(),
			Namespace: rc.Namespace,
			Labels:    Labels(rc),
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{
				Name:       "client",
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(port),
				TargetPort: intstr.FromInt(port),
			}},
			Selector:                 SelectorLabels(rc),
			ClusterIP:                corev1.ClusterIPNone,
			PublishNotReadyAddresses: true,
		},
	}
}

// Image returns the Redis image of rc, or the default one when none is set.
func Image(rc *redisv1.RedisCluster) string {
	if rc.Spec.Image == "" {
		return defaultImage
	}
	return rc.Spec.Image
}

func NewStatefulSet(rc *redisv1.RedisCluster, port int) *appsv1.StatefulSet {
	image := Image(rc)
	var resources corev1.ResourceRequirements
	if rc.Spec.Resources != nil {
		resources = *rc.Spec.Resources.DeepCopy()
	}
	secretEnv := []corev1.EnvFromSource{{
		SecretRef: &corev1.SecretEnvSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: rc.SecretName()},
		},
	}}

	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      rc.BaseName(),
			Namespace: rc.Namespace,
			Labels:    Labels(rc),
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:            ptr.To(rc.Spec.Replicas),
			PodManagementPolicy: appsv1.ParallelPodManagement,
			// pods are restarted by the operator, one at a time, once each is reachable again
			UpdateStrategy: appsv1.StatefulSetUpdateStrategy{Type: appsv1.OnDeleteStatefulSetStrategyType},
			Selector:       &metav1.LabelSelector{MatchLabels: SelectorLabels(rc)},
			ServiceName:    rc.ServiceName(),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: Labels(rc)},
				Spec: corev1.PodSpec{
					InitContainers: []corev1.Container{{
						Name:            ACLContainerName,
						Image:           image,
						ImagePullPolicy: rc.Spec.ImagePullPolicy,
						Command:         []string{"sh", "-c", aclScript},
						EnvFrom:         secretEnv,
						VolumeMounts:    []corev1.VolumeMount{{Name: rc.ACLName(), MountPath: aclMountPath}},
					}},
					Containers: []corev1.Container{{
						Name:            ContainerName,
						Image:           image,
						ImagePullPolicy: rc.Spec.ImagePullPolicy,
						Command:         []string{"sh", "-c", startScript},
						Env:             []corev1.EnvVar{{Name: MaxMemoryEnvVar, Value: rc.Spec.MaxMemory}},
						EnvFrom:         secretEnv,
						Ports: []corev1.ContainerPort{
							{Name: "client", ContainerPort: int32(port)},
							{Name: "gossip", ContainerPort: int32(port + gossipPortOffset)},
						},
						LivenessProbe:  newProbe(port, 15, 5),
						ReadinessProbe: newProbe(port, 10, 5),
						Resources:      resources,
						VolumeMounts: []corev1.VolumeMount{
							{Name: rc.ConfigMapName(), MountPath: configMountPath},
							{Name: rc.ACLName(), MountPath: aclMountPath},
							{Name: rc.PVCName(), MountPath: dataMountPath},
						},
					}},
					Volumes: []corev1.Volume{
						{
							Name: rc.ConfigMapName(),
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: rc.ConfigMapName()},
									Items:                []corev1.KeyToPath{{Key: ConfigFileKey, Path: ConfigFileKey}},
								},
							},
						},
						{
							Name:         rc.ACLName(),
							VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
						},
					},
				},
			},
		},
	}
	addStorage(sts, rc)
	return sts
}

// addStorage declares the data volume claim. Claims are named "<pvc>-<statefulset>-<ordinal>".
func addStorage(sts *appsv1.StatefulSet, rc *redisv1.RedisCluster) {
	claim := corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: rc.PVCName(), Labels: SelectorLabels(rc)},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: StorageQuantity(rc.Spec.Persistence.StorageGi),
				},
			},
		},
	}
	if rc.Spec.Persistence.StorageClass != "" {
		claim.Spec.StorageClassName = ptr.To(rc.Spec.Persistence.StorageClass)
	}
	sts.Spec.VolumeClaimTemplates = []corev1.PersistentVolumeClaim{claim}
}

// StorageQuantity returns the quantity for a size in Gi.
func StorageQuantity(gi int32) resource.Quantity {
	return resource.MustParse(fmt.Sprintf("%dGi", gi))
}

// ClaimName returns the name of the claim the StatefulSet creates for the pod at ordinal.
func ClaimName(rc *redisv1.RedisCluster, ordinal int) string {
	return fmt.Sprintf("%s-%s", rc.PVCName(), PodName(rc.BaseName(), ordinal))
}

func newProbe(port int, initial, period int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt(port)},
		},
		InitialDelaySeconds: initial,
		PeriodSeconds:       period,
	}
}
