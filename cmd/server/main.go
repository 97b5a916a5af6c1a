// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/Lookout84/toagro-backend-sub000/internal/controller"
	"github.com/Lookout84/toagro-backend-sub000/internal/db"
	"github.com/Lookout84/toagro-backend-sub000/internal/queue"
	"github.com/Lookout84/toagro-backend-sub000/internal/repository"
	"github.com/Lookout84/toagro-backend-sub000/internal/sender"
	"github.com/Lookout84/toagro-backend-sub000/internal/service"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}

	// Init DB
	db.Init()

	taskRepo := &repository.TaskRepository{DB: db.DB}
	userRepo := &repository.UserRepository{DB: db.DB}

	processor := &service.BatchProcessor{
		UserRepo: userRepo,
		Email:    &sender.MockEmailSender{},
		Sms:      &sender.MockSmsSender{},
		Push:     &sender.MockPushSender{},
	}

	// RabbitMQ when configured, in-process queue otherwise. With the
	// in-process queue this binary is also the worker.
	var q queue.Queue
	inProcess := false
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		rq, err := queue.NewRabbitMQQueue(url)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ:", err)
		}
		defer rq.Close()
		q = rq
	} else {
		log.Println("⚠️ RABBITMQ_URL not set, using in-process queue")
		q = queue.NewInMemoryQueue()
		inProcess = true
	}

	notificationService := &service.NotificationService{
		TaskRepo:   taskRepo,
		UserRepo:   userRepo,
		Queue:      q,
		Processor:  processor,
		BatchSize:  envInt("BATCH_SIZE", service.DefaultBatchSize),
		BatchDelay: time.Duration(envInt("BATCH_DELAY_MS", 1000)) * time.Millisecond,
	}

	if inProcess {
		if err := notificationService.StartConsumer(context.Background()); err != nil {
			log.Fatal("Failed to start in-process consumer:", err)
		}
	}

	notificationController := &controller.NotificationController{
		NotificationService: notificationService,
	}

	r := chi.NewRouter()

	// Bulk notification routes
	r.Post("/notifications/bulk-email", notificationController.EnqueueBulkEmail)
	r.Post("/notifications/bulk-sms", notificationController.EnqueueBulkSms)
	r.Post("/notifications/bulk-push", notificationController.EnqueueBulkPush)
	r.Get("/notifications/tasks/active", notificationController.ListActiveTasks)
	r.Get("/notifications/tasks/{id}", notificationController.GetTaskStatus)
	r.Post("/notifications/tasks/{id}/cancel", notificationController.CancelTask)

	addr := ":" + envStr("PORT", "8080")
	log.Println("🚀 Server running on", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
