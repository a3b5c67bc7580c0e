// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package controllers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	redisv1 "github.com/EclipseFdn/open-vsx.org/api/v1"
	"github.com/EclipseFdn/open-vsx.org/internal/config"
	finalizer "github.com/EclipseFdn/open-vsx.org/internal/finalizers"
	"github.com/EclipseFdn/open-vsx.org/internal/kubernetes"
	"github.com/EclipseFdn/open-vsx.org/internal/topology"
)

const testNamespace = "open-vsx-org"

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	s := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(s))
	require.NoError(t, redisv1.AddToScheme(s))
	return s
}

func newRedisCluster() *redisv1.RedisCluster {
	return &redisv1.RedisCluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "openvsx",
			Namespace: testNamespace,
			UID:       "rc-uid",
			Labels:    map[string]string{redisv1.EnvironmentLabel: "staging"},
		},
		Spec: redisv1.RedisClusterSpec{
			Replicas:        6,
			MaxMemory:       "1gb",
			Image:           "redis:7.2.5",
			ImagePullPolicy: corev1.PullIfNotPresent,
			Persistence:     redisv1.PersistenceSpec{StorageGi: 4, StorageClass: "standard"},
		},
	}
}

// newInitializedRedisCluster returns a RedisCluster whose cluster was created with its spec.
func newInitializedRedisCluster() *redisv1.RedisCluster {
	rc := newRedisCluster()
	recordApplied(rc)
	rc.Status.Status = redisv1.StatusReady
	rc.Status.Replicas = rc.Spec.Replicas
	return rc
}

func newSecret(keys ...string) *corev1.Secret {
	if keys == nil {
		keys = config.DefaultRequiredSecretKeys
	}
	data := map[string][]byte{}
	for _, k := range keys {
		data[k] = []byte("value")
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "redis-secret-staging", Namespace: testNamespace},
		Data:       data,
	}
}

// fakeTopology records the operations the reconciler asks for.
type fakeTopology struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTopology) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeTopology) CreateCluster(_ context.Context, r topology.Resolver, size int) error {
	return f.record(fmt.Sprintf("create %s %d", r.Name(), size))
}

func (f *fakeTopology) ScaleUp(_ context.Context, _ topology.Resolver, oldSize, newSize int) error {
	return f.record(fmt.Sprintf("scale-up %d %d", oldSize, newSize))
}

func (f *fakeTopology) ScaleDown(_ context.Context, _ topology.Resolver, oldSize, newSize int) error {
	return f.record(fmt.Sprintf("scale-down %d %d", oldSize, newSize))
}

func (f *fakeTopology) WaitReachable(_ context.Context, r topology.Resolver, ordinal int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("reachable %d", ordinal))
	return nil
}

func (f *fakeTopology) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	reconciler *RedisClusterReconciler
	client     client.Client
	recorder   *record.FakeRecorder
	topology   *fakeTopology
}

func newTestEnv(t *testing.T, objs ...client.Object) *testEnv {
	t.Helper()
	ctrl.SetLogger(zap.New(zap.UseDevMode(true)))
	c := fake.NewClientBuilder().
		WithScheme(newScheme(t)).
		WithObjects(objs...).
		WithStatusSubresource(&redisv1.RedisCluster{}, &corev1.PersistentVolumeClaim{}).
		Build()
	recorder := record.NewFakeRecorder(100)
	topo := &fakeTopology{}
	return &testEnv{
		reconciler: &RedisClusterReconciler{
			Client:          c,
			Log:             ctrl.Log.WithName("controllers").WithName("RedisCluster"),
			Scheme:          c.Scheme(),
			Recorder:        recorder,
			Config:          config.Default(),
			Topology:        topo,
			Finalizers:      []finalizer.Finalizer{&finalizer.DeleteClaimsFinalizer{}},
			RequeueAfter:    time.Second,
			PodPollInterval: time.Millisecond,
		},
		client:   c,
		recorder: recorder,
		topology: topo,
	}
}

func (e *testEnv) reconcile(t *testing.T, rc *redisv1.RedisCluster) ctrl.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: rc.NamespacedName()})
	require.NoError(t, err)
	return res
}

func (e *testEnv) get(t *testing.T, rc *redisv1.RedisCluster) *redisv1.RedisCluster {
	t.Helper()
	got := &redisv1.RedisCluster{}
	require.NoError(t, e.client.Get(context.Background(), rc.NamespacedName(), got))
	return got
}

func (e *testEnv) statefulSet(t *testing.T, rc *redisv1.RedisCluster) *appsv1.StatefulSet {
	t.Helper()
	sts := &appsv1.StatefulSet{}
	require.NoError(t, e.client.Get(context.Background(), statefulSetKey(rc), sts))
	return sts
}

// events drains the recorder and returns every event recorded so far.
func (e *testEnv) events() []string {
	var out []string
	for {
		select {
		case ev := <-e.recorder.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []string, fragment string) bool {
	for _, ev := range events {
		if strings.Contains(ev, fragment) {
			return true
		}
	}
	return false
}

func readyPod(rc *redisv1.RedisCluster, ordinal int, uid string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      kubernetes.PodName(rc.BaseName(), ordinal),
			Namespace: rc.Namespace,
			UID:       types.UID(uid),
		},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
}

func readyPods(rc *redisv1.RedisCluster, from, to int) []client.Object {
	var pods []client.Object
	for i := from; i < to; i++ {
		pods = append(pods, readyPod(rc, i, fmt.Sprintf("initial-%d", i)))
	}
	return pods
}

// fakeKubelet plays the StatefulSet controller, the kubelet and the volume resizer: it keeps one
// ready pod per replica and grows claims to their requested size.
type fakeKubelet struct {
	client client.Client
	rc     *redisv1.RedisCluster
	mu     sync.Mutex
	seq    int
}

func (k *fakeKubelet) run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.sync(ctx)
			}
		}
	}()
}

func (k *fakeKubelet) sync(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()

	sts := &appsv1.StatefulSet{}
	if err := k.client.Get(ctx, statefulSetKey(k.rc), sts); err != nil {
		return
	}
	replicas := int(*sts.Spec.Replicas)
	for i := 0; i < 12; i++ {
		pod := &corev1.Pod{}
		key := types.NamespacedName{Namespace: k.rc.Namespace, Name: kubernetes.PodName(k.rc.BaseName(), i)}
		err := k.client.Get(ctx, key, pod)
		exists := err == nil
		switch {
		case i < replicas && !exists && apierrors.IsNotFound(err):
			k.seq++
			_ = k.client.Create(ctx, readyPod(k.rc, i, fmt.Sprintf("pod-%d-%d", i, k.seq)))
		case i >= replicas && exists:
			_ = k.client.Delete(ctx, pod)
		}
	}

	claims := &corev1.PersistentVolumeClaimList{}
	if err := k.client.List(ctx, claims, client.InNamespace(k.rc.Namespace)); err != nil {
		return
	}
	for i := range claims.Items {
		pvc := &claims.Items[i]
		want := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
		have := pvc.Status.Capacity[corev1.ResourceStorage]
		if want.Cmp(have) != 0 {
			pvc.Status.Capacity = corev1.ResourceList{corev1.ResourceStorage: want}
			_ = k.client.Status().Update(ctx, pvc)
		}
	}
}

func newClaim(rc *redisv1.RedisCluster, ordinal int) *corev1.PersistentVolumeClaim {
	size := kubernetes.StorageQuantity(rc.Status.StorageGi)
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: kubernetes.ClaimName(rc, ordinal), Namespace: rc.Namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			Resources: corev1.VolumeResourceRequirements{Requests: corev1.ResourceList{corev1.ResourceStorage: size}},
		},
		Status: corev1.PersistentVolumeClaimStatus{Capacity: corev1.ResourceList{corev1.ResourceStorage: size}},
	}
}

func conditionTrue(rc *redisv1.RedisCluster, condition metav1.Condition) bool {
	return meta.IsStatusConditionTrue(rc.Status.Conditions, condition.Type)
}
