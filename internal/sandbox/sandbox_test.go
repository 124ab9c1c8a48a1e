package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/shadowrealm-ai/shadow/internal/config"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

func TestPodName(t *testing.T) {
	tests := []struct {
		taskID string
		want   string
	}{
		{"abc123", "shadow-task-abc123"},
		{"Task_With.Caps", "shadow-task-task-with-caps"},
		{"--weird--", "shadow-task-weird"},
	}
	for _, tt := range tests {
		if got := PodName(tt.taskID); got != tt.want {
			t.Errorf("PodName(%q) = %q, want %q", tt.taskID, got, tt.want)
		}
	}

	long := PodName(strings.Repeat("a", 100))
	if len(long) > 63 {
		t.Errorf("pod name exceeds 63 chars: %d", len(long))
	}
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Mode:         "kubernetes",
		Namespace:    "shadow-sandboxes",
		Image:        "shadow/sandbox:latest",
		SidecarPort:  8371,
		NodeSelector: "shadow.ai/pool=sandbox",
		Toleration:   "shadow.ai/dedicated=sandbox",
		CPULimit:     "2",
		MemoryLimit:  "4Gi",
	}
}

func testTask() *models.Task {
	return &models.Task{
		ID:         "task-1",
		UserID:     "user-1",
		RepoURL:    "https://github.com/o/r.git",
		BaseBranch: "main",
	}
}

func TestCreateBuildsLabeledPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewKubernetesControllerWithClient(client, testConfig())

	handle, err := c.Create(context.Background(), testTask(), "ghs_token")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if handle.WorkspacePath != "/workspace" {
		t.Errorf("workspace = %q", handle.WorkspacePath)
	}

	pod, err := client.CoreV1().Pods("shadow-sandboxes").Get(context.Background(), "shadow-task-task-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("pod not created: %v", err)
	}
	if pod.Labels[LabelTaskID] != "task-1" || pod.Labels[LabelUserID] != "user-1" {
		t.Errorf("labels = %v", pod.Labels)
	}
	if len(pod.Spec.InitContainers) != 1 {
		t.Fatal("missing clone init container")
	}
	script := strings.Join(pod.Spec.InitContainers[0].Command, " ")
	if !strings.Contains(script, "--depth 1 --single-branch") {
		t.Errorf("init container does not shallow-clone: %s", script)
	}
	if pod.Spec.NodeSelector["shadow.ai/pool"] != "sandbox" {
		t.Errorf("node selector = %v", pod.Spec.NodeSelector)
	}
	if len(pod.Spec.Tolerations) != 1 || pod.Spec.Tolerations[0].Key != "shadow.ai/dedicated" {
		t.Errorf("tolerations = %v", pod.Spec.Tolerations)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewKubernetesControllerWithClient(client, testConfig())

	if _, err := c.Create(context.Background(), testTask(), "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(context.Background(), testTask(), "t"); err != nil {
		t.Fatalf("second create should be a no-op: %v", err)
	}
}

func TestWaitReadyFailsFastOnFailedPhase(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "shadow-task-task-1", Namespace: "shadow-sandboxes"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed, Message: "image pull backoff"},
	})
	c := NewKubernetesControllerWithClient(client, testConfig())

	_, err := c.WaitReady(context.Background(), testTask(), time.Minute)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("err = %v, want fail-fast on Failed phase", err)
	}
}

func TestWaitReadyReturnsSidecarAddress(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "shadow-task-task-1", Namespace: "shadow-sandboxes"},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "10.1.2.3",
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	})
	c := NewKubernetesControllerWithClient(client, testConfig())

	handle, err := c.WaitReady(context.Background(), testTask(), time.Minute)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if handle.Address != "http://10.1.2.3:8371" {
		t.Errorf("address = %q", handle.Address)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewKubernetesControllerWithClient(client, testConfig())

	if err := c.Delete(context.Background(), testTask()); err != nil {
		t.Fatalf("deleting an absent sandbox should be a no-op: %v", err)
	}

	status, err := c.Status(context.Background(), testTask())
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNotFound {
		t.Errorf("status = %s, want not-found", status)
	}
}
