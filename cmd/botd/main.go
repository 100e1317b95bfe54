package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/shawn/tenant-chatbots/internal/answer"
	"github.com/shawn/tenant-chatbots/internal/api"
	"github.com/shawn/tenant-chatbots/internal/chat"
	"github.com/shawn/tenant-chatbots/internal/config"
	"github.com/shawn/tenant-chatbots/internal/connection"
	k8sclient "github.com/shawn/tenant-chatbots/internal/k8s"
	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/matrix"
	"github.com/shawn/tenant-chatbots/internal/metrics"
	"github.com/shawn/tenant-chatbots/internal/orchestrator"
	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/shawn/tenant-chatbots/internal/supervisor"
	"github.com/shawn/tenant-chatbots/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(logHandler(cfg.LogFormat, cfg.LogLevel)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	podID := cfg.PodID()

	store, err := lockStore(ctx, cfg)
	if err != nil {
		slog.Error("lock store", "backend", cfg.LockBackend, "err", err)
		os.Exit(1)
	}
	if leases, ok := store.(*k8sclient.LeaseStore); ok {
		go leases.RunPruner(ctx, cfg.AcquisitionInterval)
	}

	var (
		dir  registry.Directory
		bots registry.BotSource
	)
	if cfg.MultiTenant {
		reg, err := dynamoRegistry(ctx, cfg)
		if err != nil {
			slog.Error("load AWS config", "err", err)
			os.Exit(1)
		}
		dir, bots = reg, reg
	} else {
		single := registry.NewSingleTenant("default", cfg.Platform(), cfg.BotToken)
		dir, bots = single, single
	}

	m := metrics.New(cfg.PodNamespace, podID)
	qa := answer.New(cfg.AnswerURL, cfg.AnswerKey)
	responder := chat.NewResponder(qa, bots, qa, chat.Config{
		MaxDocs: cfg.MaxDocsToDisplay,
		Observe: m.ObserveAnswer,
	})

	dialers := platform.Mux{
		registry.PlatformTelegram: &telegram.Dialer{BaseURL: cfg.TelegramAPIURL},
	}
	if cfg.MatrixHomeserver != "" {
		dialers[registry.PlatformMatrix] = &matrix.Dialer{Homeserver: cfg.MatrixHomeserver}
	}

	var orch *orchestrator.Orchestrator
	orch = orchestrator.New(orchestrator.Deps{
		Directory: dir,
		Bots:      bots,
		Store:     store,
		Connect: func(bot registry.Bot) supervisor.Conn {
			return connection.New(bot, dialers, responder)
		},
		Gauge: func(owned int) {
			m.SetActiveTenants(owned)
			if orch != nil {
				m.SetConnections(len(orch.Connections()))
			}
		},
	}, orchestrator.Config{
		PodID:               podID,
		Capacity:            cfg.MaxTenantsPerPod,
		DevMode:             cfg.DevMode,
		LockTTL:             cfg.LockTTL,
		AcquisitionInterval: cfg.AcquisitionInterval,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTTL:        cfg.HeartbeatTTL,
		ShutdownTimeout:     cfg.ShutdownTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:           api.New(orch, m.Handler()).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("botd listening", "port", cfg.MetricsPort, "pod", podID, "multi_tenant", cfg.MultiTenant)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
		}
	}()

	if err := orch.Run(ctx); err != nil {
		slog.Error("orchestrator", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func logHandler(format, level string) slog.Handler {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.NewJSONHandler(os.Stderr, opts)
}

func lockStore(ctx context.Context, cfg *config.Config) (lock.Store, error) {
	if cfg.LockBackend == config.LockBackendKubernetes {
		cs, err := kubeClient(cfg.LocalMode)
		if err != nil {
			return nil, err
		}
		return k8sclient.NewLeaseStore(cs, cfg.PodNamespace), nil
	}
	rdb, err := lock.Connect(ctx, lock.RedisOptions{
		URL:            cfg.RedisURL,
		RetryAttempts:  cfg.RedisRetryAttempts,
		RetryInterval:  cfg.RedisRetryInterval,
		ConnectTimeout: cfg.RedisConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return lock.New(rdb), nil
}

// kubeClient uses the in-cluster config, or the default kubeconfig in
// local mode.
func kubeClient(localMode bool) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if localMode {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.BuildConfigFromFlags("", rules.GetDefaultFilename())
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return cs, nil
}

func dynamoRegistry(ctx context.Context, cfg *config.Config) (*registry.DynamoClient, error) {
	var awsOptFns []func(*awsconfig.LoadOptions) error
	if cfg.LocalMode || cfg.DynamoEndpoint != "" {
		// Use static credentials for local DynamoDB
		awsOptFns = append(awsOptFns,
			awsconfig.WithRegion("us-east-1"),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "test"),
				getenv("AWS_SECRET_ACCESS_KEY", "test"),
				"",
			)),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptFns...)
	if err != nil {
		return nil, err
	}
	var dynamoOpts []func(*dynamodb.Options)
	if endpoint := cfg.DynamoEndpoint; endpoint != "" {
		dynamoOpts = append(dynamoOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	db := dynamodb.NewFromConfig(awsCfg, dynamoOpts...)
	return registry.New(db, cfg.TenantsTable, cfg.BotsTable), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
