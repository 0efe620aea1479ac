package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/camera"
	"faceattend/internal/capture"
	"faceattend/internal/config"
	"faceattend/internal/faceclient"
	"faceattend/internal/gallery"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/logging"
	"faceattend/internal/match"
	"faceattend/internal/metrics"
	"faceattend/internal/notify"
	"faceattend/internal/report"
	"faceattend/internal/store"
	"faceattend/internal/student"
)

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("attendd failed", "err", err)
	}
}

func run(cfg config.App, log *logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StudentImagesDir, 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceModel, cfg.EmbeddingDim, cfg.FaceSkip)
	if err := face.Health(ctx); err != nil {
		// Embedding capability missing at startup is fatal, never retried.
		return fmt.Errorf("face service unavailable: %w", err)
	}

	students := student.NewRepository(db.Client)
	attRepo := attendance.NewRepository(db.Client)
	attSvc := attendance.NewService(attRepo, attendance.Options{
		Cooldown:      cfg.AttendanceCooldown,
		UpdateTimeOut: cfg.UpdateTimeOut,
	}, log)

	faces := gallery.New(students, cfg.EmbeddingDim, log)
	if err := faces.Rebuild(ctx); err != nil {
		return fmt.Errorf("gallery load failed: %w", err)
	}
	metrics.GallerySize.Set(float64(faces.Snapshot().Len()))

	var queue notify.Queue
	if cfg.QueueBackend == "redis" {
		queue = notify.NewRedisQueue(redisClient.Client, "faceattend:notify", cfg.FrameQueueSize)
	} else {
		queue = notify.NewInMemory(cfg.FrameQueueSize)
	}

	loop := capture.New(capture.Deps{
		Source:   camera.NewMJPEG(cfg.CameraURL),
		Provider: face,
		Gallery:  faces,
		Engine:   match.Engine{Tolerance: cfg.Tolerance, Nearest: cfg.NearestMatch},
		Recorder: attSvc,
		Queue:    queue,
		Audit:    attRepo,
		Log:      log,
	}, capture.Options{
		Stride:      cfg.FrameStride,
		Downscale:   cfg.DownscaleFactor,
		ReadTimeout: cfg.FrameReadTimeout,
		Yield:       cfg.LoopYield,
		CameraID:    cfg.CameraIndex,
		MaxFaces:    cfg.MaxFaces,
	})

	bridge := newUIBridge()
	go bridge.drain(ctx, queue, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/v1/frames/current"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  "ok",
			"db":      dbHealthy,
			"redis":   redisClient.Healthy(c.Request.Context()),
			"capture": loop.State().String(),
		})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, exp, err := auth.Login(req.Password, cfg.AdminPassword, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	v1 := r.Group("/v1", auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	v1.POST("/students", func(c *gin.Context) {
		name := c.PostForm("name")
		roll := c.PostForm("roll_number")
		if name == "" || roll == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name and roll_number required"})
			return
		}
		file, _, err := c.Request.FormFile("photo")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo file required"})
			return
		}
		defer file.Close()
		photo, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read photo failed"})
			return
		}

		dets, err := face.DetectAndEncode(c.Request.Context(), photo)
		if err != nil {
			log.Errorw("enrollment embed failed", "err", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "face service failed"})
			return
		}
		if len(dets) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no face detected in photo"})
			return
		}

		s, err := students.Enroll(c.Request.Context(), student.Student{
			Name:       name,
			RollNumber: roll,
			Email:      c.PostForm("email"),
			Phone:      c.PostForm("phone"),
		}, student.FaceEmbedding{
			Vector:   dets[0].Embedding,
			ImageRef: filepath.Join(cfg.StudentImagesDir, roll+".jpg"),
		})
		if errors.Is(err, student.ErrDuplicateRoll) {
			c.JSON(http.StatusConflict, gin.H{"error": "roll number already exists"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Reference photo kept on disk for re-enrollment; best effort.
		if err := os.WriteFile(filepath.Join(cfg.StudentImagesDir, roll+".jpg"), photo, 0o644); err != nil {
			log.Warnw("saving reference photo failed", "roll", roll, "err", err)
		}

		if err := faces.Rebuild(c.Request.Context()); err != nil {
			log.Errorw("gallery rebuild failed", "err", err)
		}
		metrics.GallerySize.Set(float64(faces.Snapshot().Len()))
		c.JSON(http.StatusCreated, s)
	})

	v1.GET("/students", func(c *gin.Context) {
		list, err := students.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": list})
	})

	v1.DELETE("/students/:id", func(c *gin.Context) {
		err := students.Delete(c.Request.Context(), c.Param("id"))
		if errors.Is(err, student.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := faces.Rebuild(c.Request.Context()); err != nil {
			log.Errorw("gallery rebuild failed", "err", err)
		}
		metrics.GallerySize.Set(float64(faces.Snapshot().Len()))
		c.Status(http.StatusNoContent)
	})

	v1.GET("/attendance", func(c *gin.Context) {
		date := c.Query("date")
		from, to := c.Query("from"), c.Query("to")
		var (
			rows []attendance.Record
			err  error
		)
		switch {
		case date != "":
			rows, err = attRepo.ListForDate(c.Request.Context(), date)
		case from != "" && to != "":
			rows, err = attRepo.ListRange(c.Request.Context(), from, to, c.Query("student_id"))
		default:
			rows, err = attRepo.ListForDate(c.Request.Context(), attendance.DateOf(time.Now()))
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": rows})
	})

	v1.GET("/attendance/events", func(c *gin.Context) {
		select {
		case evt := <-bridge.events:
			c.Data(http.StatusOK, "application/json", evt)
		case <-time.After(25 * time.Second):
			c.Status(http.StatusNoContent)
		case <-c.Request.Context().Done():
			c.Status(http.StatusNoContent)
		}
	})

	v1.GET("/frames/current", func(c *gin.Context) {
		if frame := bridge.frame.Load(); frame != nil {
			c.Data(http.StatusOK, "image/jpeg", *frame)
			return
		}
		c.Status(http.StatusNoContent)
	})

	v1.POST("/capture/start", func(c *gin.Context) {
		if err := loop.Start(ctx); err != nil {
			if errors.Is(err, capture.ErrAlreadyRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": loop.State().String()})
	})

	v1.POST("/capture/stop", func(c *gin.Context) {
		if err := loop.Stop(); err != nil {
			log.Warnw("camera release reported error", "err", err)
		}
		c.JSON(http.StatusOK, gin.H{"state": loop.State().String()})
	})

	v1.GET("/capture/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": loop.State().String()})
	})

	v1.GET("/reports/attendance.csv", func(c *gin.Context) {
		from, to := c.Query("from"), c.Query("to")
		if from == "" || to == "" {
			today := attendance.DateOf(time.Now())
			from, to = today, today
		}
		rows, err := attRepo.ListRange(c.Request.Context(), from, to, c.Query("student_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance_%s_%s.csv"`, from, to))
		c.Header("Content-Type", "text/csv")
		if err := report.WriteCSV(c.Writer, rows); err != nil {
			log.Errorw("csv export failed", "err", err)
		}
	})

	v1.GET("/reports/summary", func(c *gin.Context) {
		from, to := c.Query("from"), c.Query("to")
		if from == "" || to == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to required"})
			return
		}
		rows, err := attRepo.ListRange(c.Request.Context(), from, to, "")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		summaries := report.Summarize(rows)
		out := make([]gin.H, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, gin.H{
				"roll_number":  s.RollNumber,
				"name":         s.Name,
				"present_days": s.PresentDays,
				"total_days":   s.TotalDays,
				"percentage":   s.Percentage(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"summary": out})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("attendd listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("shutting down")

	if err := loop.Stop(); err != nil {
		log.Warnw("capture stop reported error", "err", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server forced shutdown", "err", err)
	}
	log.Infow("attendd exited")
	return nil
}

// uiBridge drains the notify queue so HTTP handlers can serve the newest
// rendered frame and long-poll attendance refreshes. The capture side never
// touches handler state directly.
type uiBridge struct {
	frame  atomic.Pointer[[]byte]
	events chan []byte
}

func newUIBridge() *uiBridge {
	return &uiBridge{events: make(chan []byte, 16)}
}

func (b *uiBridge) drain(ctx context.Context, q notify.Queue, log *logging.Logger) {
	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Errorw("notify consume failed", "err", err)
		return
	}
	for msg := range msgs {
		switch msg.Type {
		case notify.TypeFrame:
			body := msg.Body
			b.frame.Store(&body)
		case notify.TypeAttendance:
			select {
			case b.events <- msg.Body:
			default: // UI not polling, drop
			}
		}
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
