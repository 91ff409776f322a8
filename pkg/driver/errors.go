package driver

import (
	"context"
	"errors"

	"github.com/fenio/zol-iscsi/pkg/iscsi"
	"github.com/fenio/zol-iscsi/pkg/volume"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errMsgVolumeIDRequired   = "Volume ID is required"
	errMsgSnapshotIDRequired = "Snapshot ID is required"
	errMsgCapabilityRequired = "Volume capability is required"
	errMsgOperationPending   = "an operation on volume %s is already in progress"
)

// toStatus maps a lifecycle error to a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, volume.ErrVolumeNotFound),
		errors.Is(err, volume.ErrSnapshotNotFound),
		errors.Is(err, volume.ErrExportNotFound):
		code = codes.NotFound
	case errors.Is(err, volume.ErrInvalidName),
		errors.Is(err, volume.ErrInvalidSize):
		code = codes.InvalidArgument
	case errors.Is(err, volume.ErrVolumeExists):
		code = codes.AlreadyExists
	case errors.Is(err, volume.ErrBaseDatasetMissing):
		code = codes.FailedPrecondition
	case errors.Is(err, iscsi.ErrTargetNotFound),
		errors.Is(err, iscsi.ErrDeviceNotFound):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
