// Package pod runs detectors as long-lived Kubernetes pods. A pod idles
// until the scan command is exec'd into it; status and reports are read
// back through further execs.
package pod

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ahrav/scan-armada/internal/app/detection"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

// SessionKind tags sessions produced by this backend.
const SessionKind = "pod"

// idleCommand keeps the container alive between execs.
var idleCommand = []string{"sh", "-c", "while true;do date;sleep 5; done"}

// Parser turns a detector report into findings. now is the collection time.
type Parser func(report []byte, now time.Time) ([]scanning.Finding, error)

// Spec describes one pod-backed detector.
type Spec struct {
	Meta  scanning.Metadata
	Image string
	// Prefix names the pod and its single container.
	Prefix string

	// RunCommand renders the shell command that starts a scan of target.
	// It must return immediately, leaving the scan in the background.
	RunCommand     func(target string) string
	StatusCommand  string
	ResultsCommand string
	// ErrorCommand, if set, is read when the report is empty and its
	// output becomes the failure reason.
	ErrorCommand string

	Parse Parser
}

type podSession struct {
	Pod struct {
		Name string `json:"name"`
	} `json:"pod"`
}

// Backend creates and drives detector pods in one namespace.
type Backend struct {
	client    kubernetes.Interface
	exec      Executor
	namespace string
	clock     timeutil.Provider
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewBackend returns a Backend managing pods in namespace.
func NewBackend(
	client kubernetes.Interface,
	exec Executor,
	namespace string,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Backend {
	if namespace == "" {
		namespace = "default"
	}
	return &Backend{
		client:    client,
		exec:      exec,
		namespace: namespace,
		clock:     clock,
		logger:    log.With("component", "pod_detector", "namespace", namespace),
		tracer:    tracer,
	}
}

// Factory returns a detection.Factory for spec.
func (b *Backend) Factory(spec Spec) detection.Factory {
	return func(session scanning.Session) (scanning.Detector, error) {
		d := &Detector{backend: b, spec: spec}
		if session.IsZero() {
			return d, nil
		}
		var ps podSession
		if err := session.Decode(SessionKind, &ps); err != nil {
			return nil, err
		}
		if ps.Pod.Name == "" {
			return nil, fmt.Errorf("%w: pod name missing", scanning.ErrInvalidSession)
		}
		d.podName = ps.Pod.Name
		return d, nil
	}
}

// Register adds spec to reg.
func (b *Backend) Register(reg *detection.Registry, spec Spec) error {
	return reg.Register(spec.Meta, b.Factory(spec))
}

// Detector is a scanning.Detector bound to one pod.
type Detector struct {
	backend *Backend
	spec    Spec
	podName string
}

var _ scanning.Detector = (*Detector)(nil)

// PodName is the pod this detector is bound to, empty before Create.
func (d *Detector) PodName() string { return d.podName }

func (d *Detector) session() (scanning.Session, error) {
	var ps podSession
	ps.Pod.Name = d.podName
	return scanning.NewSession(SessionKind, ps)
}

func (d *Detector) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return d.backend.tracer.Start(ctx, "pod_detector."+op, trace.WithAttributes(
		attribute.String("module", d.spec.Meta.Module),
		attribute.String("pod", d.podName),
	))
}

func (d *Detector) manifest(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "scan-armada",
				"scan-armada/module":           d.spec.Meta.Module,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:            d.spec.Prefix,
				Image:           d.spec.Image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Command:         idleCommand,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceMemory: resource.MustParse("512Mi"),
						corev1.ResourceCPU:    resource.MustParse("500m"),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceMemory: resource.MustParse("1Gi"),
						corev1.ResourceCPU:    resource.MustParse("1"),
					},
				},
			}},
		},
	}
}

// Create starts an idle pod for the detector.
func (d *Detector) Create(ctx context.Context) (scanning.Session, error) {
	name := d.spec.Prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	d.podName = name

	ctx, span := d.startSpan(ctx, "create")
	defer span.End()

	if _, err := d.backend.client.CoreV1().Pods(d.backend.namespace).Create(ctx, d.manifest(name), metav1.CreateOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create pod")
		return scanning.Session{}, fmt.Errorf("creating pod %s: %w", name, err)
	}
	d.backend.logger.Info(ctx, "Detector pod created", "pod", name, "module", d.spec.Meta.Module)
	return d.session()
}

// Run starts the scan in the background inside the pod.
func (d *Detector) Run(ctx context.Context, target string, mode scanning.Mode) (scanning.Session, error) {
	ctx, span := d.startSpan(ctx, "run")
	defer span.End()

	if !d.spec.Meta.Supports(mode) {
		return scanning.Session{}, fmt.Errorf("%w: %s", scanning.ErrUnsupportedMode, mode)
	}
	if _, err := d.shell(ctx, d.spec.RunCommand(target)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start scan")
		return scanning.Session{}, err
	}
	d.backend.logger.Info(ctx, "Scan started in pod", "pod", d.podName, "target", target, "mode", string(mode))
	return d.session()
}

// IsReady reports whether the pod has left the Pending phase.
func (d *Detector) IsReady(ctx context.Context) (bool, error) {
	ctx, span := d.startSpan(ctx, "is_ready")
	defer span.End()

	pod, err := d.backend.client.CoreV1().Pods(d.backend.namespace).Get(ctx, d.podName, metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("reading pod %s: %w", d.podName, err)
	}
	span.SetAttributes(attribute.String("phase", string(pod.Status.Phase)))
	return pod.Status.Phase != corev1.PodPending, nil
}

// IsRunning counts the scanner's processes in the pod.
func (d *Detector) IsRunning(ctx context.Context) (bool, error) {
	ctx, span := d.startSpan(ctx, "is_running")
	defer span.End()

	out, err := d.shell(ctx, d.spec.StatusCommand)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("unexpected status output %q: %w", strings.TrimSpace(out), err)
	}
	return n != 0, nil
}

// Results reads and parses the scanner's report.
func (d *Detector) Results(ctx context.Context) ([]scanning.Finding, error) {
	ctx, span := d.startSpan(ctx, "results")
	defer span.End()

	report, err := d.shell(ctx, d.spec.ResultsCommand)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if strings.TrimSpace(report) == "" && d.spec.ErrorCommand != "" {
		reason, err := d.shell(ctx, d.spec.ErrorCommand)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(strings.TrimSpace(reason))
	}

	findings, err := d.spec.Parse([]byte(report), d.backend.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse report")
		return nil, err
	}
	span.SetAttributes(attribute.Int("finding_count", len(findings)))
	return findings, nil
}

// Delete removes the pod. Failures are logged.
func (d *Detector) Delete(ctx context.Context) {
	ctx, span := d.startSpan(ctx, "delete")
	defer span.End()

	err := d.backend.client.CoreV1().Pods(d.backend.namespace).Delete(ctx, d.podName, metav1.DeleteOptions{})
	switch {
	case err == nil:
		d.backend.logger.Info(ctx, "Detector pod deleted", "pod", d.podName)
	case apierrors.IsNotFound(err):
		d.backend.logger.Debug(ctx, "Detector pod already gone", "pod", d.podName)
	default:
		span.RecordError(err)
		d.backend.logger.Error(ctx, "Failed to delete detector pod", "pod", d.podName, "error", err)
	}
}

func (d *Detector) shell(ctx context.Context, command string) (string, error) {
	return d.backend.exec.Exec(ctx, d.backend.namespace, d.podName, d.spec.Prefix, []string{"/bin/sh", "-c", command})
}
