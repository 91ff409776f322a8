package main

import (
	"context"
	"io"

	"github.com/fenio/zol-iscsi/pkg/volume"
	"github.com/spf13/cobra"
)

func newImageCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Copy raw images to and from volumes",
		Long: `Copy raw images between a directory on this machine and a volume.

Images are stored as <image-dir>/<IMAGE>.raw. The volume is connected for
the duration of the copy and disconnected afterwards, whether or not the
copy succeeded.`,
	}
	cmd.PersistentFlags().StringVar(&o.imageDir, "image-dir", defaultImageDir, "Directory holding raw images")

	cmd.AddCommand(&cobra.Command{
		Use:   "import VOLUME IMAGE",
		Short: "Write an image onto a volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				return copyImage(cmd, o, m, args[0], args[1], m.CopyImageToVolume, "Wrote image %[2]s to %[1]s")
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export VOLUME IMAGE",
		Short: "Read a volume into an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(o, func(m *volume.Manager) error {
				return copyImage(cmd, o, m, args[0], args[1], m.CopyVolumeToImage, "Read %[1]s into image %[2]s")
			})
		},
	})
	return cmd
}

type imageCopy func(ctx context.Context, vol volume.VolumeRef, imageID string) error

// imageResult reports a finished image copy.
type imageResult struct {
	Volume string `json:"volume" yaml:"volume"`
	Image  string `json:"image"  yaml:"image"`
}

// copyImage runs an image copy sized to the volume. message is formatted
// with the volume and image names.
func copyImage(cmd *cobra.Command, o *options, m *volume.Manager, name, image string, run imageCopy, message string) error {
	ctx := cmd.Context()
	sizeGiB, err := m.ManageExistingGetSize(ctx, name)
	if err != nil {
		return err
	}
	if err := run(ctx, ref(name, sizeGiB), image); err != nil {
		return err
	}
	r := imageResult{Volume: name, Image: image}
	return render(cmd.OutOrStdout(), o.output, r, func(w io.Writer) {
		printStepf(w, colorSuccess, iconOK, message, name, image)
	})
}
