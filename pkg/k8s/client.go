// Package k8s narrows the cluster API surface aegis's core actually invokes
// (spec.md §6) to a small interface backed by client-go, so the rest of the
// codebase never imports client-go directly. A fake implementation backed by
// k8s.io/client-go/kubernetes/fake is used throughout the test suite.
package k8s

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aegis-sre/aegis/pkg/orchestration/dependency"
)

// clusterBreakerFailureThreshold and clusterBreakerResetTimeout tune the
// circuit breaker guarding every call to the cluster API (SPEC_FULL.md
// §4.3): an apiserver that keeps erroring trips the breaker rather than
// stacking up calls against a control plane that is already struggling.
const (
	clusterBreakerFailureThreshold = 0.5
	clusterBreakerResetTimeout     = 15 * time.Second
)

// Client is the complete set of cluster primitives spec.md §6 names: pod and
// deployment reads/mutations, namespace/quota/network-policy lifecycle, and
// log access. Every method is a suspension point (§5) and must be passed a
// context with the caller's timeout.
type Client interface {
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	ListPodsWithLabel(ctx context.Context, namespace, labelSelector string) ([]corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
	PatchPod(ctx context.Context, namespace, name string, patchType types.PatchType, patch []byte) (*corev1.Pod, error)
	PodLogs(ctx context.Context, namespace, name string, tailLines int64, follow bool) (io.ReadCloser, error)

	GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
	CreateDeployment(ctx context.Context, dep *appsv1.Deployment) (*appsv1.Deployment, error)
	PatchDeployment(ctx context.Context, namespace, name string, patchType types.PatchType, patch []byte) (*appsv1.Deployment, error)
	ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error

	CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)

	ListEvents(ctx context.Context, namespace string, limit int64) ([]corev1.Event, error)

	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	DeleteNamespace(ctx context.Context, name string) error
	CreateResourceQuota(ctx context.Context, namespace string, cpu, memory string) error
	CreateDenyAllNetworkPolicy(ctx context.Context, namespace string) error

	IsHealthy(ctx context.Context) bool
}

// client is the client-go backed Client implementation.
type client struct {
	clientset kubernetes.Interface
	breaker   *dependency.CircuitBreaker
	logger    *logrus.Logger
}

// NewClient builds a Client from a kubeconfig path (empty for in-cluster
// config).
func NewClient(kubeconfigPath, kubeContext string, logger *logrus.Logger) (Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	restCfg, err := resolveRestConfig(kubeconfigPath, kubeContext)
	if err != nil {
		return nil, errors.Wrap(err, "resolve cluster rest config")
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.Wrap(err, "build kubernetes clientset")
	}

	breaker := dependency.NewCircuitBreaker("k8s-apiserver", clusterBreakerFailureThreshold, clusterBreakerResetTimeout)
	return &client{clientset: cs, breaker: breaker, logger: logger}, nil
}

// NewFromClientset wraps an already-built clientset (the fake one in tests).
// The fake clientset never fails in a way the breaker would trip on, so this
// constructor carries its own breaker too rather than special-casing tests.
func NewFromClientset(cs kubernetes.Interface, logger *logrus.Logger) Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	breaker := dependency.NewCircuitBreaker("k8s-apiserver", clusterBreakerFailureThreshold, clusterBreakerResetTimeout)
	return &client{clientset: cs, breaker: breaker, logger: logger}
}

// call runs fn through the client's circuit breaker, used by every method
// below to wrap its single clientset round trip.
func (c *client) call(fn func() error) error {
	return c.breaker.Call(fn)
}

func resolveRestConfig(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfigPath
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}

// ResolveRestConfig exposes the cluster rest.Config this package resolves
// from a kubeconfig path and context, so other CRD clientsets (e.g. the
// optional Tekton TaskRun exporter) can be built against the same cluster
// without duplicating kubeconfig-loading logic.
func ResolveRestConfig(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	return resolveRestConfig(kubeconfigPath, kubeContext)
}

func (c *client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := c.call(func() error {
		var cerr error
		pod, cerr = c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get pod %s/%s", namespace, name)
	}
	return pod, nil
}

func (c *client) ListPodsWithLabel(ctx context.Context, namespace, labelSelector string) ([]corev1.Pod, error) {
	var list *corev1.PodList
	err := c.call(func() error {
		var cerr error
		list, cerr = c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list pods in %s", namespace)
	}
	return list.Items, nil
}

func (c *client) DeletePod(ctx context.Context, namespace, name string) error {
	err := c.call(func() error {
		return c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "delete pod %s/%s", namespace, name)
	}
	return nil
}

func (c *client) PatchPod(ctx context.Context, namespace, name string, patchType types.PatchType, patch []byte) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := c.call(func() error {
		var cerr error
		pod, cerr = c.clientset.CoreV1().Pods(namespace).Patch(ctx, name, patchType, patch, metav1.PatchOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "patch pod %s/%s", namespace, name)
	}
	return pod, nil
}

func (c *client) PodLogs(ctx context.Context, namespace, name string, tailLines int64, follow bool) (io.ReadCloser, error) {
	opts := &corev1.PodLogOptions{Follow: follow}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	var stream io.ReadCloser
	err := c.call(func() error {
		req := c.clientset.CoreV1().Pods(namespace).GetLogs(name, opts)
		var cerr error
		stream, cerr = req.Stream(ctx)
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "stream logs for %s/%s", namespace, name)
	}
	return stream, nil
}

func (c *client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	var dep *appsv1.Deployment
	err := c.call(func() error {
		var cerr error
		dep, cerr = c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get deployment %s/%s", namespace, name)
	}
	return dep, nil
}

func (c *client) CreateDeployment(ctx context.Context, dep *appsv1.Deployment) (*appsv1.Deployment, error) {
	var created *appsv1.Deployment
	err := c.call(func() error {
		var cerr error
		created, cerr = c.clientset.AppsV1().Deployments(dep.Namespace).Create(ctx, dep, metav1.CreateOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create deployment %s/%s", dep.Namespace, dep.Name)
	}
	return created, nil
}

func (c *client) PatchDeployment(ctx context.Context, namespace, name string, patchType types.PatchType, patch []byte) (*appsv1.Deployment, error) {
	var dep *appsv1.Deployment
	err := c.call(func() error {
		var cerr error
		dep, cerr = c.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, patchType, patch, metav1.PatchOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "patch deployment %s/%s", namespace, name)
	}
	return dep, nil
}

func (c *client) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	err := c.call(func() error {
		scale, gerr := c.clientset.AppsV1().Deployments(namespace).GetScale(ctx, name, metav1.GetOptions{})
		if gerr != nil {
			return gerr
		}
		scale.Spec.Replicas = replicas
		_, uerr := c.clientset.AppsV1().Deployments(namespace).UpdateScale(ctx, name, scale, metav1.UpdateOptions{})
		return uerr
	})
	if err != nil {
		return errors.Wrapf(err, "scale %s/%s", namespace, name)
	}
	return nil
}

func (c *client) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	var created *corev1.Pod
	err := c.call(func() error {
		var cerr error
		created, cerr = c.clientset.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create pod %s/%s", pod.Namespace, pod.Name)
	}
	return created, nil
}

func (c *client) ListEvents(ctx context.Context, namespace string, limit int64) ([]corev1.Event, error) {
	var list *corev1.EventList
	err := c.call(func() error {
		var cerr error
		list, cerr = c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{Limit: limit})
		return cerr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list events in %s", namespace)
	}
	return list.Items, nil
}

func (c *client) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
	err := c.call(func() error {
		_, cerr := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		return cerr
	})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "create namespace %s", name)
	}
	return nil
}

func (c *client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.call(func() error {
		return c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "delete namespace %s", name)
	}
	return nil
}

func (c *client) CreateResourceQuota(ctx context.Context, namespace string, cpu, memory string) error {
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: "aegis-shadow-quota", Namespace: namespace},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceRequestsCPU:    resource.MustParse(cpu),
				corev1.ResourceRequestsMemory: resource.MustParse(memory),
			},
		},
	}
	err := c.call(func() error {
		_, cerr := c.clientset.CoreV1().ResourceQuotas(namespace).Create(ctx, quota, metav1.CreateOptions{})
		return cerr
	})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "create resource quota in %s", namespace)
	}
	return nil
}

func (c *client) CreateDenyAllNetworkPolicy(ctx context.Context, namespace string) error {
	policyTypes := []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress}
	netpol := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "aegis-shadow-deny-all", Namespace: namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: policyTypes,
		},
	}
	err := c.call(func() error {
		_, cerr := c.clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, netpol, metav1.CreateOptions{})
		return cerr
	})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "create deny-all network policy in %s", namespace)
	}
	return nil
}

func (c *client) IsHealthy(ctx context.Context) bool {
	err := c.call(func() error {
		_, cerr := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1})
		return cerr
	})
	return err == nil
}

// drainLines reads newline-delimited log output into a bounded tail, used by
// the diagnostic collector.
func drainLines(r io.Reader, maxLines int) []string {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return lines
}

// TailLogs reads up to maxLines of non-following logs for namespace/name,
// bounded by timeout.
func TailLogs(ctx context.Context, c Client, namespace, name string, maxLines int, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.PodLogs(ctx, namespace, name, int64(maxLines), false)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return drainLines(stream, maxLines), nil
}

