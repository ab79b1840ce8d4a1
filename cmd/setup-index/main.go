package main

import (
	"context"
	"log"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/config"
	"github.com/740540/Trabajo-Wallapop/internal/ingest"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	manager := ingest.NewIndexManager(cfg.ESHost, cfg.ESIndexAlias, cfg.ESUsername, cfg.ESPassword)
	if err := manager.Setup(ctx); err != nil {
		logrus.Fatalf("Index setup failed: %v", err)
	}

	logrus.Infof("Index setup complete: policy %s, template %s, write index %s",
		manager.PolicyName(), manager.TemplateName(), manager.InitialIndex())
}
