package pod

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Executor runs a command in a pod's container and returns its stdout.
type Executor interface {
	Exec(ctx context.Context, namespace, pod, container string, command []string) (string, error)
}

// SPDYExecutor execs through the API server's pods/exec subresource.
type SPDYExecutor struct {
	client kubernetes.Interface
	config *rest.Config
}

// NewSPDYExecutor returns an Executor bound to the cluster behind config.
func NewSPDYExecutor(client kubernetes.Interface, config *rest.Config) *SPDYExecutor {
	return &SPDYExecutor{client: client, config: config}
}

func (e *SPDYExecutor) Exec(ctx context.Context, namespace, pod, container string, command []string) (string, error) {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("preparing exec in pod %s: %w", pod, err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("exec in pod %s: %w: %s", pod, err, msg)
		}
		return "", fmt.Errorf("exec in pod %s: %w", pod, err)
	}
	return stdout.String(), nil
}
