package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/extractor"
	"github.com/mmdatafocus/books_reconcile/handlers"
	"github.com/mmdatafocus/books_reconcile/middlewares"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/mutationgate"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/mmdatafocus/books_reconcile/recordindex"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/mmdatafocus/books_reconcile/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}
	if settings.PlatformBaseURL == "" {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal("PLATFORM_BASE_URL is required")
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var documents workflow.DocumentStore = workflow.NewMemoryDocumentStore()
	var confirmations mutationgate.Store = mutationgate.NewMemoryStore()
	if config.DatabaseEnabled() {
		if err := config.ConnectDatabaseWithRetry(sigCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
		}
		db := config.GetDB()
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := models.MigrateTable(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		documents = models.NewDocumentRepository(db)
		confirmations = models.NewConfirmationRepository(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "database"}).Warn("DB_HOST not set; documents and confirmations are kept in memory")
	}

	var locker utils.Locker = utils.NewKeyedMutex()
	var snapshotCache recordindex.SnapshotCache
	if config.RedisEnabled() {
		if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "redis"}).Fatal(err)
		}
		locker = utils.NewRedisLocker(config.GetRedisLock(), settings.LockTTL, "reconcile")
		if config.SnapshotCacheEnabled() {
			snapshotCache = recordindex.RedisSnapshotCache{}
		}
	} else if config.DatabaseEnabled() {
		if sqlDB, err := config.GetDB().DB(); err == nil {
			locker = utils.NewMySQLLocker(sqlDB, "reconcile", settings.LockTTL)
		}
	}

	var blobs utils.BlobStore = utils.NewMemoryBlobStore()
	if settings.UploadBucket != "" {
		gcs, err := utils.NewGCSBlobStore(sigCtx, settings.UploadBucket)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "storage"}).Fatal(err)
		}
		defer gcs.Close()
		blobs = gcs
	}

	var ocr decoder.OCREngine
	if settings.OCREndpoint != "" {
		ocr = decoder.NewHTTPOCREngine(settings.OCREndpoint, settings.OCRTimeout)
	}
	dec := decoder.New(settings.MaxUploadBytes, ocr)

	client, err := platform.NewClient(settings.PlatformBaseURL, settings.PlatformTimeout, settings.PlatformRequestsPerSec)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "platform"}).Fatal(err)
	}
	defer client.Close()

	var events mutationgate.EventPublisher
	if config.MutationEventsEnabled() {
		events = mutationgate.PubSubPublisher{}
	}

	engine := workflow.NewEngine(workflow.Deps{
		Settings:  settings,
		Documents: documents,
		Blobs:     blobs,
		Decoder:   dec,
		Extractor: extractor.New(extractor.Options{DefaultCurrency: os.Getenv("DEFAULT_CURRENCY")}),
		Registry: recordindex.NewRegistry(client, recordindex.Options{
			LookbackMonths: settings.LookbackMonths,
			MaxAge:         settings.IndexMaxAge,
			Cache:          snapshotCache,
			CacheTTL:       settings.SessionTTL,
		}),
		Gate: mutationgate.New(confirmations, client, mutationgate.Options{
			TTL:            settings.ConfirmationTTL,
			ExecuteTimeout: settings.PlatformTimeout,
			Locker:         locker,
			Events:         events,
		}),
	})
	config.LogInfo(logger, "main", "main", "engine ready", logrus.Fields{
		"ocrAvailable": engine.Capabilities().OCRAvailable,
		"database":     config.DatabaseEnabled(),
		"redis":        config.RedisEnabled(),
	})

	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization",
		middlewares.PlatformTokenHeader, middlewares.BusinessIdHeader, "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.BearerToken())
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	handlers.Register(r, engine)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return []string{}
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
