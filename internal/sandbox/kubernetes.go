package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/shadowrealm-ai/shadow/internal/config"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

const (
	workspaceMount   = "/workspace"
	workspaceVolume  = "workspace"
	initContainer    = "clone"
	sidecarContainer = "sidecar"
	pollInterval     = 2 * time.Second
)

// KubernetesController provisions one pod per task.
type KubernetesController struct {
	client kubernetes.Interface
	cfg    config.SandboxConfig
	logger *slog.Logger
}

// KubernetesOption configures a KubernetesController.
type KubernetesOption func(*KubernetesController)

// WithKubeLogger sets the logger.
func WithKubeLogger(logger *slog.Logger) KubernetesOption {
	return func(c *KubernetesController) { c.logger = logger }
}

// NewKubernetesController creates a controller against the configured
// cluster, falling back to in-cluster service account credentials when no
// explicit host and token are set.
func NewKubernetesController(cfg config.SandboxConfig, opts ...KubernetesOption) (*KubernetesController, error) {
	var restConfig *rest.Config
	var err error
	if cfg.APIHost != "" && cfg.APIToken != "" {
		restConfig = &rest.Config{
			Host:        fmt.Sprintf("https://%s:%d", cfg.APIHost, cfg.APIPort),
			BearerToken: cfg.APIToken,
			TLSClientConfig: rest.TLSClientConfig{
				Insecure: false,
				CAFile:   "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt",
			},
		}
	} else {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewKubernetesControllerWithClient(client, cfg, opts...), nil
}

// NewKubernetesControllerWithClient wires an existing clientset, used by
// tests with the fake clientset.
func NewKubernetesControllerWithClient(client kubernetes.Interface, cfg config.SandboxConfig, opts ...KubernetesOption) *KubernetesController {
	c := &KubernetesController{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "sandbox"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *KubernetesController) Create(ctx context.Context, task *models.Task, gitHubToken string) (*Handle, error) {
	pod := c.podSpec(task, gitHubToken)
	created, err := c.client.CoreV1().Pods(c.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			c.logger.Info("sandbox pod already exists", "task_id", task.ID, "pod", pod.Name)
			return &Handle{Name: pod.Name, WorkspacePath: workspaceMount}, nil
		}
		return nil, fmt.Errorf("create sandbox pod: %w", err)
	}
	c.logger.Info("created sandbox pod", "task_id", task.ID, "pod", created.Name)
	return &Handle{Name: created.Name, WorkspacePath: workspaceMount}, nil
}

func (c *KubernetesController) podSpec(task *models.Task, gitHubToken string) *corev1.Pod {
	cloneEnv := []corev1.EnvVar{
		{Name: "REPO_URL", Value: task.RepoURL},
		{Name: "BASE_BRANCH", Value: task.BaseBranch},
		{Name: "GITHUB_TOKEN", Value: gitHubToken},
	}
	cloneScript := `set -e
AUTH_URL=$(echo "$REPO_URL" | sed "s#https://#https://x-access-token:${GITHUB_TOKEN}@#")
git clone --depth 1 --single-branch --branch "$BASE_BRANCH" "$AUTH_URL" ` + workspaceMount + `
cd ` + workspaceMount + ` && git remote set-url origin "$AUTH_URL"`

	limits := corev1.ResourceList{}
	if c.cfg.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(c.cfg.CPULimit)
	}
	if c.cfg.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(c.cfg.MemoryLimit)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(task.ID),
			Namespace: c.cfg.Namespace,
			Labels: map[string]string{
				LabelApp:    AppName,
				LabelTaskID: sanitizeName(task.ID),
				LabelUserID: sanitizeName(task.UserID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Volumes: []corev1.Volume{{
				Name:         workspaceVolume,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
			InitContainers: []corev1.Container{{
				Name:    initContainer,
				Image:   c.cfg.Image,
				Command: []string{"/bin/sh", "-c", cloneScript},
				Env:     cloneEnv,
				VolumeMounts: []corev1.VolumeMount{{
					Name:      workspaceVolume,
					MountPath: workspaceMount,
				}},
			}},
			Containers: []corev1.Container{{
				Name:  sidecarContainer,
				Image: c.sidecarImage(),
				Args:  []string{"--workspace", workspaceMount, "--port", fmt.Sprint(c.cfg.SidecarPort)},
				Ports: []corev1.ContainerPort{{
					ContainerPort: int32(c.cfg.SidecarPort),
					Name:          "sidecar",
				}},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      workspaceVolume,
					MountPath: workspaceMount,
				}},
				Resources: corev1.ResourceRequirements{Limits: limits},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/healthz",
							Port: intstr.FromInt32(int32(c.cfg.SidecarPort)),
						},
					},
					InitialDelaySeconds: 2,
					PeriodSeconds:       3,
				},
			}},
		},
	}

	if key, value, ok := splitKeyValue(c.cfg.NodeSelector); ok {
		pod.Spec.NodeSelector = map[string]string{key: value}
	}
	if key, value, ok := splitKeyValue(c.cfg.Toleration); ok {
		pod.Spec.Tolerations = []corev1.Toleration{{
			Key:      key,
			Operator: corev1.TolerationOpEqual,
			Value:    value,
			Effect:   corev1.TaintEffectNoSchedule,
		}}
	}
	return pod
}

func (c *KubernetesController) sidecarImage() string {
	if c.cfg.SidecarImage != "" {
		return c.cfg.SidecarImage
	}
	return c.cfg.Image
}

func (c *KubernetesController) WaitReady(ctx context.Context, task *models.Task, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	name := PodName(task.ID)

	for {
		pod, err := c.client.CoreV1().Pods(c.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("get sandbox pod %s: %w", name, err)
		}

		switch pod.Status.Phase {
		case corev1.PodFailed:
			return nil, fmt.Errorf("sandbox pod %s failed: %s", name, pod.Status.Message)
		case corev1.PodRunning:
			if podReady(pod) && pod.Status.PodIP != "" {
				return &Handle{
					Name:          name,
					Address:       fmt.Sprintf("http://%s:%d", pod.Status.PodIP, c.cfg.SidecarPort),
					WorkspacePath: workspaceMount,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sandbox pod %s not ready after %s (phase %s)", name, timeout, pod.Status.Phase)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *KubernetesController) Address(ctx context.Context, task *models.Task) (string, error) {
	pod, err := c.client.CoreV1().Pods(c.cfg.Namespace).Get(ctx, PodName(task.ID), metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get sandbox pod: %w", err)
	}
	if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
		return "", fmt.Errorf("sandbox for task %s is not running", task.ID)
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, c.cfg.SidecarPort), nil
}

func (c *KubernetesController) Status(ctx context.Context, task *models.Task) (Status, error) {
	pod, err := c.client.CoreV1().Pods(c.cfg.Namespace).Get(ctx, PodName(task.ID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", err
	}
	if pod.DeletionTimestamp != nil {
		return StatusTerminating, nil
	}
	switch pod.Status.Phase {
	case corev1.PodFailed:
		return StatusFailed, nil
	case corev1.PodRunning:
		if podReady(pod) {
			return StatusReady, nil
		}
		return StatusPending, nil
	default:
		return StatusPending, nil
	}
}

func (c *KubernetesController) Delete(ctx context.Context, task *models.Task) error {
	err := c.client.CoreV1().Pods(c.cfg.Namespace).Delete(ctx, PodName(task.ID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete sandbox pod: %w", err)
	}
	return nil
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func splitKeyValue(s string) (key, value string, ok bool) {
	if s == "" {
		return "", "", false
	}
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
