package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
)

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, []string{"awsvpc", "kubernetes", "mock"}, r.Types())

	_, err := r.New(Config{ID: "x", Type: "netbox"})
	var ve *change.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = r.New(Config{Type: "mock"})
	require.True(t, errors.As(err, &ve), "empty connector id must be rejected")

	conn, err := r.New(Config{ID: "m1", Type: "mock"})
	require.NoError(t, err)
	require.Equal(t, "mock", conn.Type())
	require.Equal(t, "m1", conn.ID())
}

func TestMockSyncFailureBudget(t *testing.T) {
	m := NewMock("m1")
	m.SetBatch([]graph.Mutation{
		graph.UpsertNode("D1", graph.KindDevice, map[string]any{"kind": "server"}),
	})
	m.FailNext(2)

	ctx := context.Background()
	_, err := m.Sync(ctx)
	require.Error(t, err)
	_, err = m.Sync(ctx)
	require.Error(t, err)

	b, err := m.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, "m1", b.ConnectorID)
	require.Len(t, b.Mutations, 1)
	require.Equal(t, 3, m.SyncCount())
}

func TestMockPassthrough(t *testing.T) {
	m := NewMock("m1")
	c := &change.Change{ID: "chg1", Action: change.ActionAddRule, TargetComponents: []string{"FW-DC1-01"}}

	require.NoError(t, m.ValidateChange(context.Background(), c))
	sim, err := m.SimulateChange(context.Background(), c)
	require.NoError(t, err)
	require.True(t, sim.Feasible)

	receipt, err := m.ApplyChange(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "mock-receipt-chg1", receipt)
	require.Equal(t, []string{"chg1"}, m.Applied())

	err = m.ValidateChange(context.Background(), &change.Change{})
	var ve *change.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestDispatcherRoutesByNamespace(t *testing.T) {
	k8s := NewKubernetesWithClient("k1", "Prod", clusterFixture())
	m := NewMock("m1")
	d := NewDispatcher(m, k8s)
	ctx := context.Background()

	clusterChange := &change.Change{ID: "chg1", TargetComponents: []string{"k8s:svc/shop/web"}}
	require.NoError(t, d.Validate(ctx, clusterChange))
	_, err := d.Apply(ctx, clusterChange)
	require.Error(t, err, "cluster connector is observe-only")
	require.Empty(t, m.Applied(), "mock must not see cluster-owned targets")

	local := &change.Change{ID: "chg2", TargetComponents: []string{"FW-DC1-01"}}
	require.NoError(t, d.Validate(ctx, local))
	receipt, err := d.Apply(ctx, local)
	require.NoError(t, err)
	require.Empty(t, receipt, "hand-modeled nodes have no owning system")

	missing := &change.Change{ID: "chg3", TargetComponents: []string{"aws:sg-1234"}}
	require.NoError(t, d.Validate(ctx, missing), "no awsvpc connector wired")
}

func clusterFixture() *fake.Clientset {
	labelsWeb := map[string]string{"app": "web"}
	return fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1"}},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: labelsWeb},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "web-6b7f9-abc", Namespace: "shop", Labels: labelsWeb,
				OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "web-6b7f9"}},
			},
			Spec:   corev1.PodSpec{NodeName: "worker-1"},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-done", Namespace: "shop"},
			Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "kube-proxy-x", Namespace: "kube-system"},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		},
	)
}

func TestKubernetesSyncBuildsWorkloadGraph(t *testing.T) {
	k := NewKubernetesWithClient("k1", "Prod", clusterFixture())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batch, err := k.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, "k1", batch.ConnectorID)

	nodes := map[string]graph.Kind{}
	edges := map[[2]string]graph.EdgeKind{}
	for _, m := range batch.Mutations {
		require.NoError(t, m.Validate())
		switch m.Kind {
		case graph.MutationUpsertNode:
			nodes[m.Node.ID] = m.Node.Kind
		case graph.MutationUpsertEdge:
			edges[[2]string{m.Edge.Source, m.Edge.Target}] = m.Edge.Kind
		}
	}

	require.Equal(t, graph.KindDevice, nodes["k8s:node/worker-1"])
	require.Equal(t, graph.KindService, nodes["k8s:svc/shop/web"])
	require.Equal(t, graph.KindApplication, nodes["k8s:app/shop/web"])
	require.NotContains(t, nodes, "k8s:app/shop/job-done", "finished pods are not workloads")
	for id := range nodes {
		require.NotContains(t, id, "kube-proxy")
	}

	require.Equal(t, graph.EdgeDependsOn, edges[[2]string{"k8s:app/shop/web", "k8s:svc/shop/web"}])
	require.Equal(t, graph.EdgeDependsOn, edges[[2]string{"k8s:app/shop/web", "k8s:node/worker-1"}])
}

func TestKubernetesValidateAndSimulate(t *testing.T) {
	k := NewKubernetesWithClient("k1", "Prod", clusterFixture())
	ctx := context.Background()

	good := &change.Change{TargetComponents: []string{"k8s:svc/shop/web"}}
	require.NoError(t, k.ValidateChange(ctx, good))

	sim, err := k.SimulateChange(ctx, good)
	require.NoError(t, err)
	require.True(t, sim.Feasible)

	bad := &change.Change{TargetComponents: []string{"k8s:svc/shop/missing"}}
	require.Error(t, k.ValidateChange(ctx, bad))
	sim, err = k.SimulateChange(ctx, bad)
	require.NoError(t, err)
	require.False(t, sim.Feasible)

	_, err = k.ApplyChange(ctx, good)
	require.Error(t, err, "cluster is observe-only")
}
