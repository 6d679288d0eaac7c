package k8s

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// watchScheme carries only the types operator.Watcher watches: Pods and
// Deployments (spec.md §4.6).
var watchScheme = runtime.NewScheme()

func init() {
	_ = corev1.AddToScheme(watchScheme)
	_ = appsv1.AddToScheme(watchScheme)
}

// NewWatchClient builds a controller-runtime client.WithWatch against the
// same cluster context NewClient would use, for operator.Watcher's Pod/
// Deployment watches (spec.md §9, "prefer lightweight tasks + channels over
// shared-memory locks" — controller-runtime's watch is the idiomatic way to
// get a cancellable, typed event stream without hand-rolled polling).
func NewWatchClient(kubeconfigPath, kubeContext string) (ctrlclient.WithWatch, error) {
	restCfg, err := resolveRestConfig(kubeconfigPath, kubeContext)
	if err != nil {
		return nil, err
	}
	return NewWatchClientFromConfig(restCfg)
}

// NewWatchClientFromConfig builds a client.WithWatch from an already
// resolved rest.Config (envtest's cfg in integration tests).
func NewWatchClientFromConfig(restCfg *rest.Config) (ctrlclient.WithWatch, error) {
	return ctrlclient.NewWithWatch(restCfg, ctrlclient.Options{Scheme: watchScheme})
}
