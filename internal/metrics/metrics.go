package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters, exported on /metrics.
var (
	FramesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_frames_read_total",
		Help: "Frames successfully read from the camera.",
	})
	FrameReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_frame_read_failures_total",
		Help: "Transient camera read failures.",
	})
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_frames_processed_total",
		Help: "Frames that ran full detection and matching.",
	})
	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_faces_detected_total",
		Help: "Faces detected across processed frames.",
	})
	MatchesKnown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_matches_known_total",
		Help: "Detections matched to an enrolled student.",
	})
	MatchesUnknown = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_matches_unknown_total",
		Help: "Detections with no gallery match.",
	})
	AttendanceCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faceattend_attendance_created_total",
		Help: "Attendance records created by the pipeline.",
	})
	CaptureState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faceattend_capture_state",
		Help: "Capture loop state (0 stopped, 1 starting, 2 running, 3 stopping).",
	})
	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faceattend_gallery_size",
		Help: "Known embeddings in the current gallery snapshot.",
	})
)
