package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"chat-history/handler"
	"chat-history/internal/app"
	"chat-history/internal/config"
	"chat-history/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, zap.String("service", "chat-history-lambda"))
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble message layer", zap.Error(err))
	}

	// The schedule is driven by EventBridge here, so the job is never started.
	var sync handler.Syncer
	if a.Job != nil {
		sync = a.Job
	}
	h, err := handler.NewHandler(sync, a.Session, logger)
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (handler.Result, error) {
		res, err := h.Handle(ctx, ev)
		// The execution environment freezes after return; finish warm-ups first.
		a.Runner.Wait()
		_ = logger.Sync()
		return res, err
	})
}
