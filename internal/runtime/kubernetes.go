package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"mlx/internal/job"
)

// KubernetesConfig holds configuration for the kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where job pods are created.
	Namespace string
	// Kubeconfig path for out-of-cluster use; in-cluster config wins.
	Kubeconfig string
	// Context selects a kubeconfig context (a node's credential ref).
	Context string
}

// KubernetesRuntime runs jobs as bare pods on a cluster. Retry policy
// stays with the coordinator, so pods never restart on their own.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	namespace string
}

// NewKubernetesRuntime creates a cluster-backed runtime. In-cluster
// configuration is tried first, then the given kubeconfig.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loading := &clientcmd.ClientConfigLoadingRules{ExplicitPath: cfg.Kubeconfig}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &KubernetesRuntime{clientset: clientset, namespace: namespace}, nil
}

func (k *KubernetesRuntime) Backend() job.Backend { return job.BackendKubernetes }

// Ping checks the apiserver answers for our namespace.
func (k *KubernetesRuntime) Ping(ctx context.Context) error {
	_, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return nil
}

// BuildOrPull resolves the reference; the kubelet does the actual pull.
func (k *KubernetesRuntime) BuildOrPull(ctx context.Context, imageRef string) (string, error) {
	return ResolveImage(ctx, imageRef)
}

// podName derives the deterministic pod name for a job. Determinism is what
// makes Start idempotent: a second create races into AlreadyExists and we
// adopt the existing pod.
func podName(jobID uuid.UUID) string {
	return "mlx-job-" + jobID.String()
}

// Start creates the job's pod, or adopts the existing one.
func (k *KubernetesRuntime) Start(ctx context.Context, jobID uuid.UUID, spec RunSpec) (Handle, error) {
	var envVars []corev1.EnvVar
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	requests := corev1.ResourceList{}
	if spec.Resources.CPUMillis > 0 {
		requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.Resources.CPUMillis), resource.DecimalSI)
	}
	if spec.Resources.MemoryMB > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(spec.Resources.MemoryMB)<<20, resource.BinarySI)
	}
	if spec.Resources.GPUs > 0 {
		requests["nvidia.com/gpu"] = *resource.NewQuantity(int64(spec.Resources.GPUs), resource.DecimalSI)
	}

	ctr := corev1.Container{
		Name:    "job",
		Image:   spec.Image,
		Command: spec.Command,
		Env:     envVars,
		Resources: corev1.ResourceRequirements{
			Requests: requests,
			Limits:   requests,
		},
	}
	if spec.Port > 0 {
		ctr.Ports = []corev1.ContainerPort{{ContainerPort: int32(spec.Port)}}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(jobID),
			Namespace: k.namespace,
			Labels: map[string]string{
				JobIDLabel:                     jobID.String(),
				"app.kubernetes.io/managed-by": "mlx",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{ctr},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			existing, getErr := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
			if getErr != nil {
				return nil, classifyAPIErr(getErr)
			}
			return &kubernetesHandle{clientset: k.clientset, namespace: k.namespace, podName: existing.Name}, nil
		}
		return nil, classifyAPIErr(err)
	}

	return &kubernetesHandle{clientset: k.clientset, namespace: k.namespace, podName: created.Name}, nil
}

// Attach rebuilds a handle from a persisted container reference.
func (k *KubernetesRuntime) Attach(ctx context.Context, ref job.ContainerRef) (Handle, error) {
	if ref.Backend != job.BackendKubernetes {
		return nil, fmt.Errorf("cannot attach %s handle to kubernetes runtime", ref.Backend)
	}
	return &kubernetesHandle{clientset: k.clientset, namespace: k.namespace, podName: ref.ID}, nil
}

func classifyAPIErr(err error) error {
	switch {
	case apierrors.IsForbidden(err):
		// Quota denials land here; retryable once capacity frees up.
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	case apierrors.IsServerTimeout(err), apierrors.IsServiceUnavailable(err), apierrors.IsTimeout(err), apierrors.IsTooManyRequests(err):
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return err
}

type kubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	podName   string
}

func (h *kubernetesHandle) Ref() job.ContainerRef {
	return job.ContainerRef{Backend: job.BackendKubernetes, ID: h.podName}
}

func (h *kubernetesHandle) Inspect(ctx context.Context) (Status, error) {
	pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Status{Phase: PhaseUnknown}, nil
		}
		return Status{Phase: PhaseUnknown}, classifyAPIErr(err)
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		// Unschedulable pods stay Pending; tell them apart from pods
		// that are merely pulling their image.
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodScheduled && cond.Status == corev1.ConditionFalse && cond.Reason == corev1.PodReasonUnschedulable {
				return Status{Phase: PhaseCreated}, fmt.Errorf("%w: %s", ErrResourceUnavailable, cond.Message)
			}
		}
		return Status{Phase: PhaseCreated}, nil
	case corev1.PodRunning:
		return Status{Phase: PhaseRunning}, nil
	case corev1.PodSucceeded:
		return Status{Phase: PhaseExited, ExitCode: 0}, nil
	case corev1.PodFailed:
		exitCode := -1
		if len(pod.Status.ContainerStatuses) > 0 {
			if term := pod.Status.ContainerStatuses[0].State.Terminated; term != nil {
				exitCode = int(term.ExitCode)
			}
		}
		return Status{Phase: PhaseExited, ExitCode: exitCode}, nil
	}
	return Status{Phase: PhaseUnknown}, nil
}

func (h *kubernetesHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int64(grace.Seconds())
	err := h.clientset.CoreV1().Pods(h.namespace).Delete(ctx, h.podName, metav1.DeleteOptions{
		GracePeriodSeconds: &seconds,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyAPIErr(err)
	}
	return nil
}

func (h *kubernetesHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: "job",
		Follow:    true,
	})
	return req.Stream(ctx)
}
