// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

type object = map[string]any

// strategicPatch applies body to obj as a strategic merge patch, so containers and env vars
// are merged by name instead of replaced.
func strategicPatch(ctx context.Context, c client.Client, obj client.Object, key types.NamespacedName, body object) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	obj.SetName(key.Name)
	obj.SetNamespace(key.Namespace)
	return c.Patch(ctx, obj, client.RawPatch(types.StrategicMergePatchType, data))
}

// PatchReplicas sets the replica count of the StatefulSet key.
func PatchReplicas(ctx context.Context, c client.Client, key types.NamespacedName, replicas int32) error {
	body := object{"spec": object{"replicas": replicas}}
	if err := strategicPatch(ctx, c, &appsv1.StatefulSet{}, key, body); err != nil {
		return fmt.Errorf("patching replicas of %s: %w", key, err)
	}
	return nil
}

// PatchContainer sets one field of the named container of the StatefulSet key.
func PatchContainer(ctx context.Context, c client.Client, key types.NamespacedName, container, field string, value any) error {
	body := object{"spec": object{"template": object{"spec": object{
		"containers": []object{{"name": container, field: value}},
	}}}}
	if err := strategicPatch(ctx, c, &appsv1.StatefulSet{}, key, body); err != nil {
		return fmt.Errorf("patching %s of container %s in %s: %w", field, container, key, err)
	}
	return nil
}

func PatchImage(ctx context.Context, c client.Client, key types.NamespacedName, container, image string) error {
	return PatchContainer(ctx, c, key, container, "image", image)
}

func PatchImagePullPolicy(ctx context.Context, c client.Client, key types.NamespacedName, container string, policy corev1.PullPolicy) error {
	return PatchContainer(ctx, c, key, container, "imagePullPolicy", policy)
}

func PatchResources(ctx context.Context, c client.Client, key types.NamespacedName, container string, resources *corev1.ResourceRequirements) error {
	if resources == nil {
		resources = &corev1.ResourceRequirements{}
	}
	return PatchContainer(ctx, c, key, container, "resources", resources)
}

// PatchMaxMemory changes the MAXMEMORY variable the container passes to redis-server.
func PatchMaxMemory(ctx context.Context, c client.Client, key types.NamespacedName, container, maxmemory string) error {
	env := []corev1.EnvVar{{Name: MaxMemoryEnvVar, Value: maxmemory}}
	return PatchContainer(ctx, c, key, container, "env", env)
}

// PatchClaimStorage requests a new size, in Gi, for the claim key.
func PatchClaimStorage(ctx context.Context, c client.Client, key types.NamespacedName, gi int32) error {
	body := object{"spec": object{"resources": object{"requests": object{
		string(corev1.ResourceStorage): fmt.Sprintf("%dGi", gi),
	}}}}
	if err := strategicPatch(ctx, c, &corev1.PersistentVolumeClaim{}, key, body); err != nil {
		return fmt.Errorf("patching storage of %s: %w", key, err)
	}
	return nil
}

// AnnotateObject sets one annotation with a merge patch.
func AnnotateObject(ctx context.Context, c client.Client, obj client.Object, key, value string) error {
	body := object{"metadata": object{"annotations": object{key: value}}}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.Patch(ctx, obj, client.RawPatch(types.MergePatchType, data))
}
