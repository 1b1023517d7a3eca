package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
)

// Kubernetes maps one cluster into the graph: cluster nodes become server
// Devices, Services become Service nodes, and workloads (pods grouped by
// their controller) become Applications that depend on the Services selecting
// them and on the nodes they run on. Sync reads from informer caches so a
// full pass puts no load on the API server beyond the initial list+watch.
type Kubernetes struct {
	id     string
	env    string
	client kubernetes.Interface
}

// NewKubernetes builds the connector, preferring an explicit kubeconfig and
// falling back to in-cluster credentials.
func NewKubernetes(cfg Config) (*Kubernetes, error) {
	var (
		rc  *rest.Config
		err error
	)
	if cfg.Kubeconfig != "" {
		rc, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		rc, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("connector %s: kubernetes config: %w", cfg.ID, err)
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("connector %s: kubernetes client: %w", cfg.ID, err)
	}
	return &Kubernetes{id: cfg.ID, env: cfg.Environment, client: cs}, nil
}

// NewKubernetesWithClient injects a prebuilt clientset, for fake-backed tests.
func NewKubernetesWithClient(id, env string, client kubernetes.Interface) *Kubernetes {
	return &Kubernetes{id: id, env: env, client: client}
}

func (k *Kubernetes) ID() string   { return k.id }
func (k *Kubernetes) Type() string { return "kubernetes" }

func (k *Kubernetes) Sync(ctx context.Context) (*graph.Batch, error) {
	factory := informers.NewSharedInformerFactory(k.client, 10*time.Minute)
	nodeLister := factory.Core().V1().Nodes().Lister()
	podLister := factory.Core().V1().Pods().Lister()
	svcLister := factory.Core().V1().Services().Lister()

	factory.Start(ctx.Done())
	for kind, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return nil, fmt.Errorf("connector %s: informer sync for %v", k.id, kind)
		}
	}

	batch := &graph.Batch{ConnectorID: k.id, ObservedAt: time.Now().UTC()}

	nodes, err := nodeLister.List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("connector %s: list nodes: %w", k.id, err)
	}
	for _, n := range nodes {
		batch.Mutations = append(batch.Mutations, graph.UpsertNode("k8s:node/"+n.Name,
			graph.KindDevice, map[string]any{
				"name": n.Name, "kind": "server", "environment": k.env,
			}))
	}

	svcs, err := svcLister.List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("connector %s: list services: %w", k.id, err)
	}
	for _, s := range svcs {
		if s.Namespace == "kube-system" {
			continue
		}
		batch.Mutations = append(batch.Mutations, graph.UpsertNode(serviceNodeID(s),
			graph.KindService, map[string]any{
				"name": s.Name, "environment": k.env,
			}))
	}

	pods, err := podLister.List(labels.Everything())
	if err != nil {
		return nil, fmt.Errorf("connector %s: list pods: %w", k.id, err)
	}

	type workload struct {
		id       string
		svcIDs   map[string]bool
		nodeIDs  map[string]bool
		replicas int
	}
	apps := map[string]*workload{}

	for _, p := range pods {
		if p.Namespace == "kube-system" || !podIsLive(p) {
			continue
		}
		appID := "k8s:app/" + p.Namespace + "/" + workloadName(p)
		w := apps[appID]
		if w == nil {
			w = &workload{id: appID, svcIDs: map[string]bool{}, nodeIDs: map[string]bool{}}
			apps[appID] = w
		}
		w.replicas++
		if p.Spec.NodeName != "" {
			w.nodeIDs["k8s:node/"+p.Spec.NodeName] = true
		}
		for _, s := range svcs {
			if s.Namespace != p.Namespace || len(s.Spec.Selector) == 0 {
				continue
			}
			if labels.SelectorFromSet(s.Spec.Selector).Matches(labels.Set(p.Labels)) {
				w.svcIDs[serviceNodeID(s)] = true
			}
		}
	}

	for _, w := range apps {
		batch.Mutations = append(batch.Mutations, graph.UpsertNode(w.id,
			graph.KindApplication, map[string]any{
				"name": strings.TrimPrefix(w.id, "k8s:app/"), "environment": k.env,
				"replicas": w.replicas,
			}))
		for svcID := range w.svcIDs {
			batch.Mutations = append(batch.Mutations,
				graph.UpsertEdge(graph.EdgeDependsOn, w.id, svcID))
		}
		for nodeID := range w.nodeIDs {
			batch.Mutations = append(batch.Mutations,
				graph.UpsertEdge(graph.EdgeDependsOn, w.id, nodeID))
		}
	}

	return batch, nil
}

// ValidateChange checks that the targeted Services exist in the cluster.
func (k *Kubernetes) ValidateChange(ctx context.Context, c *change.Change) error {
	for _, t := range c.TargetComponents {
		ns, name, ok := parseServiceTarget(t)
		if !ok {
			return &change.ValidationError{Field: "target_components",
				Reason: t + " is not a kubernetes service target"}
		}
		if _, err := k.client.CoreV1().Services(ns).Get(ctx, name, metav1.GetOptions{}); err != nil {
			return &change.ValidationError{Field: "target_components",
				Reason: fmt.Sprintf("service %s/%s: %v", ns, name, err)}
		}
	}
	return nil
}

func (k *Kubernetes) SimulateChange(ctx context.Context, c *change.Change) (*Simulation, error) {
	if err := k.ValidateChange(ctx, c); err != nil {
		return &Simulation{ConnectorID: k.id, Feasible: false, Summary: err.Error()}, nil
	}
	return &Simulation{
		ConnectorID: k.id,
		Feasible:    true,
		Summary:     fmt.Sprintf("%d service(s) resolved in cluster", len(c.TargetComponents)),
	}, nil
}

// ApplyChange is unsupported: the engine observes this cluster but cluster
// changes ship through its own deployment pipeline.
func (k *Kubernetes) ApplyChange(ctx context.Context, c *change.Change) (string, error) {
	return "", &change.ValidationError{Field: "action",
		Reason: "kubernetes connector is observe-only; apply through the cluster's deploy pipeline"}
}

func serviceNodeID(s *corev1.Service) string {
	return "k8s:svc/" + s.Namespace + "/" + s.Name
}

func podIsLive(p *corev1.Pod) bool {
	if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
		return false
	}
	if _, mirror := p.Annotations["kubernetes.io/config.mirror"]; mirror {
		return false
	}
	return true
}

// workloadName groups pods by their controller: ReplicaSet pods collapse to
// the deployment name, everything else keeps its owner or its own name.
func workloadName(p *corev1.Pod) string {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "ReplicaSet" {
			if i := strings.LastIndex(ref.Name, "-"); i > 0 {
				return ref.Name[:i]
			}
			return ref.Name
		}
		return ref.Name
	}
	return p.Name
}

func parseServiceTarget(t string) (ns, name string, ok bool) {
	rest, found := strings.CutPrefix(t, "k8s:svc/")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
