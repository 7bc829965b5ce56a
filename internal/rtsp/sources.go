package rtsp

import (
	"log/slog"

	"github.com/relaylabs/rtsp2tcp/internal/source/h264"
	"github.com/relaylabs/rtsp2tcp/internal/source/jpeg"
)

// newH264Source and newJPEGSource keep internal/rtsp's only references
// to the concrete depayloader packages in one place, so Client.newSourceFor
// stays a plain codec-name switch.
func newH264Source(logger *slog.Logger) depayloader {
	return h264.NewSource(logger)
}

func newJPEGSource(logger *slog.Logger) depayloader {
	return jpeg.NewSource(logger)
}
