package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/shawn/tenant-chatbots/internal/cli/api"
	k8sclient "github.com/shawn/tenant-chatbots/internal/k8s"
	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

var (
	version   string
	commit    string
	buildDate string

	// Global flags
	tenantsTable   string
	botsTable      string
	dynamoEndpoint string
	lockBackend    string
	redisURL       string
	namespace      string
	outputFormat   string
	noColor        bool
)

const commandTimeout = 30 * time.Second

// clientFunc connects lazily so that flags are parsed before any
// connection is made. The lock store is opened only when withLocks is set.
type clientFunc func(ctx context.Context, withLocks bool) (api.Client, error)

var rootCmd = &cobra.Command{
	Use:   "botctl",
	Short: "Tenant chat bot admin CLI",
	Long: `botctl manages the tenants and bots served by botd.

It writes tenant and bot records to the registry and reads the ownership
locks to show which pod serves each tenant.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tenantsTable, "tenants-table", getEnvOrDefault("DYNAMODB_TABLE_TENANTS", "botd-tenants"), "DynamoDB tenants table")
	rootCmd.PersistentFlags().StringVar(&botsTable, "bots-table", getEnvOrDefault("DYNAMODB_TABLE_BOTS", "botd-bots"), "DynamoDB bots table")
	rootCmd.PersistentFlags().StringVar(&dynamoEndpoint, "dynamodb-endpoint", os.Getenv("DYNAMODB_ENDPOINT"), "DynamoDB endpoint override")
	rootCmd.PersistentFlags().StringVar(&lockBackend, "lock-backend", getEnvOrDefault("LOCK_BACKEND", "redis"), "Lock store: redis|kubernetes")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"), "Redis URL of the lock store")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", getEnvOrDefault("POD_NAMESPACE", "default"), "Kubernetes namespace of the lease locks")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "Output format: json|table")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func Execute() error {
	rootCmd.AddCommand(newTenantCmd(connect))
	rootCmd.AddCommand(newBotCmd(connect))
	rootCmd.AddCommand(newOwnersCmd(connect))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.Execute()
}

func SetVersion(v, c, d string) {
	version = v
	commit = c
	buildDate = d
}

// connect builds a registry client from the global flags.
func connect(ctx context.Context, withLocks bool) (api.Client, error) {
	var awsOptFns []func(*awsconfig.LoadOptions) error
	if dynamoEndpoint != "" {
		awsOptFns = append(awsOptFns,
			awsconfig.WithRegion("us-east-1"),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				getEnvOrDefault("AWS_ACCESS_KEY_ID", "test"),
				getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "test"),
				"",
			)),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	var dynamoOpts []func(*dynamodb.Options)
	if dynamoEndpoint != "" {
		endpoint := dynamoEndpoint
		dynamoOpts = append(dynamoOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	reg := registry.New(dynamodb.NewFromConfig(awsCfg, dynamoOpts...), tenantsTable, botsTable)

	var store lock.Store
	if withLocks {
		store, err = openLockStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	return api.NewRegistryClient(reg, store), nil
}

func openLockStore(ctx context.Context) (lock.Store, error) {
	switch lockBackend {
	case "kubernetes":
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("k8s clientset: %w", err)
		}
		return k8sclient.NewLeaseStore(cs, namespace), nil
	case "redis":
		rdb, err := lock.Connect(ctx, lock.RedisOptions{URL: redisURL, RetryAttempts: 1, ConnectTimeout: 10 * time.Second})
		if err != nil {
			return nil, err
		}
		return lock.New(rdb), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", lockBackend)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// withClient runs fn with a connected client under the command timeout.
func withClient(connect clientFunc, withLocks bool, fn func(ctx context.Context, c api.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	c, err := connect(ctx, withLocks)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}
