package k8s

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/graphtest"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ingest.Event
}

func (r *recordingSink) Handle(_ context.Context, ev ingest.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []ingest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingest.Event(nil), r.events...)
}

func clusterObjects() []runtime.Object {
	app := map[string]string{"app": "checkout"}
	return []runtime.Object{
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1", Labels: map[string]string{"eks.amazonaws.com/nodegroup": "ng-a"}}},
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-2"}},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop", Labels: map[string]string{
				LabelOwner: "team-shop", LabelBusinessService: "storefront",
			}, Annotations: map[string]string{AnnotationControls: "PCI-DSS"}},
			Spec: appsv1.DeploymentSpec{
				Selector: &metav1.LabelSelector{MatchLabels: app},
				Template: corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: app}},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: app, Type: corev1.ServiceTypeClusterIP},
		},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "external", Namespace: "shop"}},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-1", Namespace: "shop", Labels: app},
			Spec:       corev1.PodSpec{NodeName: "node-1"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-2", Namespace: "shop", Labels: app},
			Spec:       corev1.PodSpec{NodeName: "node-1"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout-old", Namespace: "shop", Labels: app},
			Spec:       corev1.PodSpec{NodeName: "node-2"},
			Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
		},
	}
}

func newScanner(sink Sink) *Scanner {
	cs := fake.NewSimpleClientset(clusterObjects()...)
	cfg := DefaultConfig()
	cfg.Cluster = "prod-eu"
	s := NewScanner(&Client{Clientset: cs}, sink, cfg, nil)
	s.now = func() time.Time { return graphtest.Epoch }
	return s
}

func TestScanEmitsCIsAndEdges(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, newScanner(sink).Scan(ctx))

	cis := map[string]*cmdb.CI{}
	var rels []*cmdb.Relationship
	for _, ev := range sink.snapshot() {
		switch ev.Kind {
		case ingest.KindCIUpsert:
			cis[ev.CI.Key()] = ev.CI
		case ingest.KindRelationshipObserved:
			rels = append(rels, ev.Relationship)
		}
	}

	require.Len(t, cis, 5)
	assert.Equal(t, cmdb.CITypeCompute, cis["node-1"].Type)
	assert.Equal(t, "ng-a", cis["node-1"].Tags["eks.nodegroup"])
	dep := cis["shop/checkout"]
	require.NotNil(t, dep)
	assert.Equal(t, cmdb.CITypeApplication, dep.Type)
	assert.Equal(t, "team-shop", dep.Owner)
	assert.Equal(t, "storefront", dep.BusinessService)
	assert.Equal(t, []string{"PCI-DSS"}, dep.ControlFamilies())
	assert.Equal(t, cmdb.SourceAutoDiscovered, dep.Source)
	assert.Equal(t, "prod-eu", dep.Tags[TagCluster])

	svc := cis["shop/service:checkout"]
	require.NotNil(t, svc)
	assert.Equal(t, cmdb.CITypeService, svc.Type)
	assert.Equal(t, "ClusterIP", svc.Tags["k8s.service-type"])

	require.Len(t, rels, 2)
	var exposes, runsOn *cmdb.Relationship
	for _, r := range rels {
		switch r.Type {
		case cmdb.RelExposes:
			exposes = r
		case cmdb.RelRunsOn:
			runsOn = r
		}
	}
	require.NotNil(t, exposes)
	require.NotNil(t, runsOn)
	assert.Equal(t, "shop/service:checkout", exposes.Source)
	assert.Equal(t, "shop/checkout", exposes.Target)
	assert.Equal(t, "shop/checkout", runsOn.Source)
	assert.Equal(t, "node-1", runsOn.Target)
	assert.True(t, runsOn.AutoDiscovered)
	assert.Equal(t, graphtest.Epoch.Add(30*time.Minute), runsOn.ValidUntil)
}

func TestScanIntoStore(t *testing.T) {
	store := graph.NewMemoryStore(graph.WithClock(func() time.Time { return graphtest.Epoch }))
	proc := ingest.NewProcessor(store, ingest.WithClock(func() time.Time { return graphtest.Epoch }))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, newScanner(proc).Scan(ctx))

	rels, err := store.ListRelationshipsFor(ctx, "node-1", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, cmdb.RelRunsOn, rels[0].Type)

	rels, err = store.ListRelationshipsFor(ctx, "shop/checkout", graph.Inbound)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, cmdb.RelExposes, rels[0].Type)

	all, err := store.ListCIs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// A second pass is idempotent.
	require.NoError(t, newScanner(proc).Scan(ctx))
	all, err = store.ListCIs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestNilClientSkips(t *testing.T) {
	s := NewScanner(nil, &recordingSink{}, DefaultConfig(), nil)
	assert.NoError(t, s.Scan(context.Background()))
	assert.NoError(t, s.Run(context.Background()))
}

func TestWorkloadFilter(t *testing.T) {
	assert.False(t, workload(&corev1.Pod{}))
	assert.False(t, workload(&corev1.Pod{
		Spec:       corev1.PodSpec{NodeName: "n"},
		ObjectMeta: metav1.ObjectMeta{OwnerReferences: []metav1.OwnerReference{{Kind: "DaemonSet"}}},
	}))
	assert.False(t, workload(&corev1.Pod{
		Spec:       corev1.PodSpec{NodeName: "n"},
		ObjectMeta: metav1.ObjectMeta{Annotations: map[string]string{"kubernetes.io/config.mirror": "x"}},
	}))
	assert.True(t, workload(&corev1.Pod{Spec: corev1.PodSpec{NodeName: "n"}}))
}
