// Package k8s discovers CIs and relationships from a Kubernetes cluster.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/tools/cache"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

// Labels and annotations read from cluster objects.
const (
	LabelOwner           = "cigraph.io/owner"
	LabelBusinessService = "cigraph.io/business-service"
	LabelCostCenter      = "cigraph.io/cost-center"
	AnnotationControls   = "cigraph.io/control-family"

	TagCluster = "k8s.cluster"
	TagKind    = "k8s.kind"
)

// Sink receives discovered facts. ingest.Processor implements it.
type Sink interface {
	Handle(ctx context.Context, ev ingest.Event) error
}

// Config holds scanner settings.
type Config struct {
	Cluster string        `mapstructure:"cluster"`
	Resync  time.Duration `mapstructure:"resync"`
	// EdgeTTL bounds how long a discovered edge stays live without being re-observed.
	EdgeTTL time.Duration `mapstructure:"edge_ttl"`
}

// DefaultConfig returns scanner defaults.
func DefaultConfig() Config {
	return Config{Cluster: "default", Resync: 10 * time.Minute, EdgeTTL: 30 * time.Minute}
}

// Scanner reads Nodes, Deployments, Services and Pods through shared informers.
type Scanner struct {
	Client *Client
	Sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(client *Client, sink Sink, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{Client: client, Sink: sink, cfg: cfg, logger: logger.With("cluster", cfg.Cluster), now: time.Now}
}

type listers struct {
	factory     informers.SharedInformerFactory
	nodes       func() ([]*corev1.Node, error)
	deployments func() ([]*appsv1.Deployment, error)
	services    func() ([]*corev1.Service, error)
	pods        func() ([]*corev1.Pod, error)
}

func (s *Scanner) start(ctx context.Context) (*listers, error) {
	factory := informers.NewSharedInformerFactory(s.Client.Clientset, s.cfg.Resync)
	nodeLister := factory.Core().V1().Nodes().Lister()
	depLister := factory.Apps().V1().Deployments().Lister()
	svcLister := factory.Core().V1().Services().Lister()
	podLister := factory.Core().V1().Pods().Lister()

	factory.Start(ctx.Done())
	for kind, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return nil, fmt.Errorf("failed to sync informer for %v", kind)
		}
	}
	return &listers{
		factory:     factory,
		nodes:       func() ([]*corev1.Node, error) { return nodeLister.List(labels.Everything()) },
		deployments: func() ([]*appsv1.Deployment, error) { return depLister.List(labels.Everything()) },
		services:    func() ([]*corev1.Service, error) { return svcLister.List(labels.Everything()) },
		pods:        func() ([]*corev1.Pod, error) { return podLister.List(labels.Everything()) },
	}, nil
}

// Scan syncs the informer caches once and emits every CI and edge.
func (s *Scanner) Scan(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	l, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer l.factory.Shutdown()
	return s.emitAll(ctx, l)
}

// Run scans, then rescans on every resync until ctx is done. Objects that
// disappear from the cluster produce ci-delete-intent events.
func (s *Scanner) Run(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	l, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer l.factory.Shutdown()

	onDelete := func(kind string) cache.ResourceEventHandlerFuncs {
		return cache.ResourceEventHandlerFuncs{DeleteFunc: func(obj any) {
			if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tomb.Obj
			}
			key, ok := s.keyOf(obj)
			if !ok {
				return
			}
			if err := s.Sink.Handle(ctx, ingest.Event{Kind: ingest.KindCIDeleteIntent, Key: key}); err != nil {
				s.logger.Warn("Failed to record deletion", "kind", kind, "key", key, "error", err)
			}
		}}
	}
	for kind, inf := range map[string]cache.SharedIndexInformer{
		"node":       l.factory.Core().V1().Nodes().Informer(),
		"deployment": l.factory.Apps().V1().Deployments().Informer(),
		"service":    l.factory.Core().V1().Services().Informer(),
	} {
		if _, err := inf.AddEventHandler(onDelete(kind)); err != nil {
			return fmt.Errorf("failed to watch %ss: %w", kind, err)
		}
	}

	ticker := time.NewTicker(s.cfg.Resync)
	defer ticker.Stop()
	for {
		if err := s.emitAll(ctx, l); err != nil && ctx.Err() == nil {
			s.logger.Error("Cluster scan incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scanner) keyOf(obj any) (string, bool) {
	switch o := obj.(type) {
	case *corev1.Node:
		return o.Name, true
	case *appsv1.Deployment:
		return cmdb.CIKey(o.Namespace, o.Name), true
	case *corev1.Service:
		return serviceKey(o), true
	}
	return "", false
}

func (s *Scanner) emitAll(ctx context.Context, l *listers) error {
	nodes, err := l.nodes()
	if err != nil {
		return fmt.Errorf("failed to list k8s nodes from cache: %w", err)
	}
	deployments, err := l.deployments()
	if err != nil {
		return fmt.Errorf("failed to list deployments from cache: %w", err)
	}
	services, err := l.services()
	if err != nil {
		return fmt.Errorf("failed to list services from cache: %w", err)
	}
	pods, err := l.pods()
	if err != nil {
		return fmt.Errorf("failed to list pods from cache: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	sort.Slice(deployments, func(i, j int) bool { return deploymentKey(deployments[i]) < deploymentKey(deployments[j]) })
	sort.Slice(services, func(i, j int) bool { return serviceKey(services[i]) < serviceKey(services[j]) })

	var errs []error
	emit := func(ev ingest.Event) {
		if err := s.Sink.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	for _, n := range nodes {
		emit(ingest.Event{Kind: ingest.KindCIUpsert, CI: s.nodeCI(n)})
	}
	for _, d := range deployments {
		emit(ingest.Event{Kind: ingest.KindCIUpsert, CI: s.deploymentCI(d)})
	}
	for _, svc := range services {
		emit(ingest.Event{Kind: ingest.KindCIUpsert, CI: s.serviceCI(svc)})
	}

	validUntil := s.now().Add(s.cfg.EdgeTTL)
	for _, rel := range s.edges(deployments, services, pods) {
		if s.cfg.EdgeTTL > 0 {
			rel.ValidUntil = validUntil
		}
		emit(ingest.Event{Kind: ingest.KindRelationshipObserved, Relationship: rel})
	}

	s.logger.Info("Cluster scanned",
		"nodes", len(nodes), "deployments", len(deployments), "services", len(services), "errors", len(errs))
	return errors.Join(errs...)
}

func deploymentKey(d *appsv1.Deployment) string { return cmdb.CIKey(d.Namespace, d.Name) }

// Services share a namespace with the deployments they front, often under the
// same name. Colons never appear in object names, so the prefix cannot collide.
func serviceName(svc *corev1.Service) string { return "service:" + svc.Name }

func serviceKey(svc *corev1.Service) string { return cmdb.CIKey(svc.Namespace, serviceName(svc)) }

// edges returns service exposes deployment (by selector) and deployment
// runs-on node (by live pod placement).
func (s *Scanner) edges(deployments []*appsv1.Deployment, services []*corev1.Service, pods []*corev1.Pod) []*cmdb.Relationship {
	var out []*cmdb.Relationship
	for _, svc := range services {
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		sel := labels.SelectorFromSet(svc.Spec.Selector)
		for _, d := range deployments {
			if d.Namespace != svc.Namespace || !sel.Matches(labels.Set(d.Spec.Template.Labels)) {
				continue
			}
			out = append(out, s.edge(serviceKey(svc), deploymentKey(d), cmdb.RelExposes, 6))
		}
	}

	for _, d := range deployments {
		if d.Spec.Selector == nil {
			continue
		}
		sel := labels.SelectorFromSet(d.Spec.Selector.MatchLabels)
		if sel.Empty() {
			continue
		}
		seen := make(map[string]bool)
		for _, pod := range pods {
			if pod.Namespace != d.Namespace || !workload(pod) || !sel.Matches(labels.Set(pod.Labels)) {
				continue
			}
			if seen[pod.Spec.NodeName] {
				continue
			}
			seen[pod.Spec.NodeName] = true
			out = append(out, s.edge(deploymentKey(d), pod.Spec.NodeName, cmdb.RelRunsOn, 7))
		}
	}
	return out
}

// workload reports whether pod is a scheduled, running application pod.
func workload(pod *corev1.Pod) bool {
	if pod.Spec.NodeName == "" {
		return false
	}
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return false
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return false
		}
	}
	if _, mirror := pod.Annotations["kubernetes.io/config.mirror"]; mirror {
		return false
	}
	return true
}

func (s *Scanner) edge(source, target string, typ cmdb.RelationshipType, strength int) *cmdb.Relationship {
	return &cmdb.Relationship{Source: source, Target: target, Type: typ, Strength: strength, AutoDiscovered: true}
}

func (s *Scanner) base(name, namespace, kind string, typ cmdb.CIType, lbls, annotations map[string]string) *cmdb.CI {
	ci := &cmdb.CI{
		Name:            name,
		Namespace:       namespace,
		Type:            typ,
		Owner:           lbls[LabelOwner],
		BusinessService: lbls[LabelBusinessService],
		CostCenter:      lbls[LabelCostCenter],
		Source:          cmdb.SourceAutoDiscovered,
		Tags:            map[string]string{TagCluster: s.cfg.Cluster, TagKind: kind},
	}
	if controls := annotations[AnnotationControls]; controls != "" {
		ci.Tags[cmdb.TagControlFamily] = controls
	}
	return ci
}

func (s *Scanner) nodeCI(n *corev1.Node) *cmdb.CI {
	ci := s.base(n.Name, "", "Node", cmdb.CITypeCompute, n.Labels, n.Annotations)
	if ng, ok := n.Labels["eks.amazonaws.com/nodegroup"]; ok {
		ci.Tags["eks.nodegroup"] = ng
	}
	if n.Spec.Unschedulable {
		ci.Tags["k8s.unschedulable"] = "true"
	}
	return ci
}

func (s *Scanner) deploymentCI(d *appsv1.Deployment) *cmdb.CI {
	return s.base(d.Name, d.Namespace, "Deployment", cmdb.CITypeApplication, d.Labels, d.Annotations)
}

func (s *Scanner) serviceCI(svc *corev1.Service) *cmdb.CI {
	ci := s.base(serviceName(svc), svc.Namespace, "Service", cmdb.CITypeService, svc.Labels, svc.Annotations)
	ci.Tags["k8s.service-type"] = string(svc.Spec.Type)
	return ci
}
