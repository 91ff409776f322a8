// Package metrics provides Prometheus metrics for the ZoL iSCSI driver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zol_iscsi"
)

// Operation types for CSI operations
const (
	// Controller operations
	OpCreateVolume              = "CreateVolume"
	OpDeleteVolume              = "DeleteVolume"
	OpControllerPublish         = "ControllerPublishVolume"
	OpControllerUnpublish       = "ControllerUnpublishVolume"
	OpValidateCapabilities      = "ValidateVolumeCapabilities"
	OpGetCapacity               = "GetCapacity"
	OpControllerGetCapabilities = "ControllerGetCapabilities"
	OpCreateSnapshot            = "CreateSnapshot"
	OpDeleteSnapshot            = "DeleteSnapshot"
	OpExpandVolume              = "ControllerExpandVolume"

	// Node operations
	OpNodeStage           = "NodeStageVolume"
	OpNodeUnstage         = "NodeUnstageVolume"
	OpNodePublish         = "NodePublishVolume"
	OpNodeUnpublish       = "NodeUnpublishVolume"
	OpNodeGetCapabilities = "NodeGetCapabilities"
	OpNodeGetInfo         = "NodeGetInfo"

	// Identity operations
	OpGetPluginInfo         = "GetPluginInfo"
	OpGetPluginCapabilities = "GetPluginCapabilities"
	OpProbe                 = "Probe"
)

// Components that report volume operations.
const (
	ComponentController = "controller"
	ComponentNode       = "node"
	ComponentLifecycle  = "lifecycle"
)

// Command outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// CSI operation metrics
	csiOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of CSI operations by operation type and status",
		},
		[]string{"operation", "status"},
	)

	csiOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of CSI operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	// Volume lifecycle metrics labelled by the component that ran them
	volumeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_operations_total",
			Help:      "Total number of volume operations by component, operation type and status",
		},
		[]string{"component", "operation", "status"},
	)

	volumeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "volume_operation_duration_seconds",
			Help:      "Duration of volume operations in seconds by component",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
		},
		[]string{"component", "operation"},
	)

	// External command metrics
	commandExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_executions_total",
			Help:      "Total number of external commands by binary, transport and status",
		},
		[]string{"binary", "transport", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of external commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"binary", "transport"},
	)

	sshReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ssh_reconnections_total",
			Help:      "Total number of SSH transport dials",
		},
	)

	// Pool capacity metrics
	poolCapacityBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_capacity_bytes",
			Help:      "Pool capacity in bytes by kind (total, free, provisioned)",
		},
		[]string{"pool", "kind"},
	)

	poolVolumes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_volumes",
			Help:      "Number of zvols under the configured base dataset",
		},
		[]string{"pool"},
	)

	// Volume capacity metrics
	volumeCapacityBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume_capacity_bytes",
			Help:      "Volume capacity in bytes",
		},
		[]string{"volume_id"},
	)
)

// RecordCSIOperation records the outcome of a CSI operation.
func RecordCSIOperation(operation, status string, duration time.Duration) {
	csiOperationsTotal.WithLabelValues(operation, status).Inc()
	csiOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordVolumeOperation records the outcome of a volume operation.
func RecordVolumeOperation(component, operation, status string, duration time.Duration) {
	volumeOperationsTotal.WithLabelValues(component, operation, status).Inc()
	volumeOperationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordCommand records one external command execution.
func RecordCommand(binary, transport, status string, duration time.Duration) {
	commandExecutionsTotal.WithLabelValues(binary, transport, status).Inc()
	commandDuration.WithLabelValues(binary, transport).Observe(duration.Seconds())
}

// RecordSSHReconnection increments the SSH dial counter.
func RecordSSHReconnection() {
	sshReconnectionsTotal.Inc()
}

// SetPoolCapacity publishes the capacity figures of one stats refresh.
func SetPoolCapacity(pool string, total, free, provisioned int64, volumes int) {
	poolCapacityBytes.WithLabelValues(pool, "total").Set(float64(total))
	poolCapacityBytes.WithLabelValues(pool, "free").Set(float64(free))
	poolCapacityBytes.WithLabelValues(pool, "provisioned").Set(float64(provisioned))
	poolVolumes.WithLabelValues(pool).Set(float64(volumes))
}

// SetVolumeCapacity sets the capacity of a volume.
func SetVolumeCapacity(volumeID string, bytes int64) {
	volumeCapacityBytes.WithLabelValues(volumeID).Set(float64(bytes))
}

// DeleteVolumeCapacity removes the capacity metric for a deleted volume.
func DeleteVolumeCapacity(volumeID string) {
	volumeCapacityBytes.DeleteLabelValues(volumeID)
}

// OperationTimer helps time operations and record metrics automatically.
type OperationTimer struct {
	start     time.Time
	operation string
	component string // empty for plain CSI operations
}

// NewOperationTimer creates a new timer for a CSI operation.
func NewOperationTimer(operation string) *OperationTimer {
	return &OperationTimer{
		start:     time.Now(),
		operation: operation,
	}
}

// NewVolumeOperationTimer creates a new timer for a volume operation.
func NewVolumeOperationTimer(component, operation string) *OperationTimer {
	return &OperationTimer{
		start:     time.Now(),
		operation: operation,
		component: component,
	}
}

// ObserveSuccess records a successful operation.
func (t *OperationTimer) ObserveSuccess() {
	t.observe(StatusSuccess)
}

// ObserveError records a failed operation.
func (t *OperationTimer) ObserveError() {
	t.observe(StatusError)
}

// Observe records the operation as successful when err is nil.
func (t *OperationTimer) Observe(err error) {
	if err != nil {
		t.ObserveError()
		return
	}
	t.ObserveSuccess()
}

func (t *OperationTimer) observe(status string) {
	duration := time.Since(t.start)
	if t.component != "" {
		RecordVolumeOperation(t.component, t.operation, status, duration)
		return
	}
	RecordCSIOperation(t.operation, status, duration)
}
