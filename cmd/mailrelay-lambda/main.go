// Command mailrelay-lambda runs one poll cycle per invocation, for use
// with a scheduled EventBridge rule instead of the long-running loop.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/aaronromeo/mailrelay/internal/app"
	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/telemetry"
)

var GitCommit string

// Response is returned to the Lambda runtime.
type Response struct {
	Matched int `json:"matched"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func HandleRequest(ctx context.Context) (Response, error) {
	return handle(ctx, os.Getenv(config.PathEnvVar))
}

func handle(ctx context.Context, path string) (Response, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Response{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return Response{}, err
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	log := telemetry.NewLogger(cfg.Log, tel, os.Stdout)
	log.Info("invocation started", slog.String("commit", GitCommit))

	a, err := app.Build(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return Response{}, err
	}
	defer a.Close()

	result, err := a.RunOnce(ctx)
	resp := Response{
		Matched: result.Matched,
		Sent:    result.Sent,
		Skipped: result.Skipped,
		Failed:  result.Failed,
	}
	if err != nil {
		log.Error("poll cycle failed", "error", err)
		return resp, err
	}
	log.Info("invocation finished", "matched", resp.Matched, "sent", resp.Sent)
	return resp, nil
}

func main() {
	lambda.Start(HandleRequest)
}
