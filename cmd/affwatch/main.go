package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"affwatch/internal/config"
	"affwatch/internal/dispatch"
	"affwatch/internal/earnings"
	"affwatch/internal/fx"
	"affwatch/internal/notify/smtp"
	"affwatch/internal/observability/otelx"
	"affwatch/internal/scheduler"
	"affwatch/internal/source/awin"
	"affwatch/internal/store"
)

func main() {
	_ = godotenv.Load()
	env := config.LoadEnv()

	configPath := flag.String("config", env.ConfigPath, "path to affwatch document")
	runOnce := flag.Bool("run-once", env.RunOnce, "run one cycle per market and exit")
	report := flag.Bool("report", env.Report, "print the earnings report and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load document: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otelx.Init(ctx, logger, env.OTel)
	if err != nil {
		log.Fatalf("failed to initialize otel: %v", err)
	}
	if shutdownOtel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(shutdownCtx)
		}()
	}

	upstream, err := awin.NewClient(awin.Config{
		BaseURL:     doc.Upstream.BaseURL,
		Token:       env.AWIN.Token,
		PublisherID: env.AWIN.PublisherID,
		Timeout:     env.AWIN.HTTPTimeout,
		UserAgent:   env.AWIN.UserAgent,
	})
	if err != nil {
		log.Fatalf("failed to build upstream client: %v", err)
	}

	if *report {
		if err := runReport(ctx, doc, upstream); err != nil {
			log.Fatalf("report failed: %v", err)
		}
		return
	}

	if err := smtp.ValidateConfig(env.SMTP.Host, env.SMTP.Port); err != nil {
		log.Fatalf("invalid smtp configuration: %v", err)
	}
	sender := smtp.NewSender(
		env.SMTP.Host,
		env.SMTP.Port,
		env.SMTP.User,
		env.SMTP.Password,
		env.SMTP.TLSMode,
		env.SMTP.InsecureSkipVerify,
	)

	st, err := store.NewSQLiteStore(doc.Watch.StoragePath)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}
	defer func() { _ = st.Close() }()

	rule, err := dispatch.NewRule(doc.Alerts.Rule)
	if err != nil {
		log.Fatalf("invalid alert rule: %v", err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		From:               doc.Alerts.From,
		Recipients:         doc.Alerts.To,
		OperatorRecipients: doc.Alerts.OperatorTo,
		MaxAttempts:        doc.Alerts.MaxAttempts,
		BackoffBase:        doc.Alerts.BackoffBase.Value(),
		BackoffFactor:      doc.Alerts.BackoffFactor,
		BackoffMax:         doc.Alerts.BackoffMax.Value(),
		OperatorCooldown:   doc.Alerts.OperatorCooldown.Value(),
	}, sender, st, rule, logger)
	if err != nil {
		log.Fatalf("failed to build dispatcher: %v", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval:      doc.Watch.Interval.Value(),
		Markets:       doc.Watch.Markets,
		ShutdownGrace: doc.Watch.ShutdownGrace.Value(),
	}, upstream, st, dispatcher, logger)
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}

	if *runOnce {
		if err := sched.RunAllOnce(ctx); err != nil {
			log.Fatalf("run failed: %v", err)
		}
		return
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	<-ctx.Done()
	time.Sleep(200 * time.Millisecond)
}

func runReport(ctx context.Context, doc *config.Document, src *awin.Client) error {
	rates := fx.NewClient("", 10*time.Second)
	for _, market := range doc.Watch.Markets {
		summary, err := earnings.Report(ctx, src, rates, market, doc.Report.Currency, doc.Report.DaysBack)
		if err != nil {
			return err
		}
		fmt.Println(summary.Format())
	}
	return nil
}
