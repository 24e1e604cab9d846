package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pubsub-overlay/pkg/backuppool"
	"github.com/cuemby/pubsub-overlay/pkg/broker"
	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/loadbalancer"
	"github.com/cuemby/pubsub-overlay/pkg/log"
	"github.com/cuemby/pubsub-overlay/pkg/metrics"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/pubsubconfig"
	"github.com/cuemby/pubsub-overlay/pkg/publisher"
	"github.com/cuemby/pubsub-overlay/pkg/subscriber"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pubsubd",
	Short: "pubsubd - ZooKeeper-coordinated pub/sub overlay",
	Long: `pubsubd runs one participant of a zoned pub/sub overlay: a
broker, publisher, subscriber, backup pool or load balancer, all
coordinated through a ZooKeeper ensemble.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pubsubd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(publisherCmd)
	rootCmd.AddCommand(subscriberCmd)
	rootCmd.AddCommand(backupPoolCmd)
	rootCmd.AddCommand(loadBalancerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig layers the --config YAML file under whatever CLI flags a
// subcommand defines; flags win, matching the original's "config file
// for defaults, flags for overrides" layering.
func loadConfig(cmd *cobra.Command, role pubsubconfig.Role) (*pubsubconfig.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := pubsubconfig.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Role = role
	return cfg, nil
}

func startMetricsServer(cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", addr)
}

func waitForShutdown(cancel context.CancelFunc, errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
	}
	cancel()
	fmt.Println("✓ Shutdown complete")
	return nil
}

func newCoordClient(cfg *pubsubconfig.Config) coord.Client {
	return coord.NewClient(coord.Config{
		Hosts:          cfg.ZookeeperHosts,
		SessionTimeout: cfg.SessionTimeout,
	})
}

func newPortAllocator() *transport.PortAllocator {
	return transport.NewPortAllocator(time.Now().UnixNano())
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a zone broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, pubsubconfig.RoleBroker)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetInt("zone"); v != 0 {
			cfg.Zone = v
		}
		if v, _ := cmd.Flags().GetString("host"); v != "" {
			cfg.BrokerAddress = v
		}
		if v, _ := cmd.Flags().GetBool("centralized"); v {
			cfg.Centralized = v
		}
		if v, _ := cmd.Flags().GetInt("autokill-secs"); v != 0 {
			cfg.AutokillSecs = v
		}
		if v, _ := cmd.Flags().GetInt("max-event-count"); v != 0 {
			cfg.MaxEventCount = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		startMetricsServer(cmd)

		client := newCoordClient(cfg)
		pool := newPortAllocator()
		b := broker.New(broker.Config{
			Zone:          pstypes.Zone(cfg.Zone),
			Host:          cfg.BrokerAddress,
			Centralized:   cfg.Centralized,
			AutokillSecs:  cfg.AutokillSecs,
			MaxEventCount: cfg.MaxEventCount,
			PollTimeout:   500 * time.Millisecond,
		}, client, pool)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			if err := b.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Broker started for zone %d\n", cfg.Zone)
		return waitForShutdown(cancel, errCh)
	},
}

var publisherCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Run a publisher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, pubsubconfig.RolePublisher)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetStringSlice("topics"); len(v) > 0 {
			cfg.Topics = v
		}
		if v, _ := cmd.Flags().GetInt("offered"); v != 0 {
			cfg.Offered = v
		}
		if v, _ := cmd.Flags().GetString("host"); v != "" {
			cfg.BrokerAddress = v
		}
		if v, _ := cmd.Flags().GetInt("max-event-count"); v != 0 {
			cfg.MaxEventCount = v
			cfg.Indefinite = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		startMetricsServer(cmd)

		client := newCoordClient(cfg)
		pool := newPortAllocator()
		p := publisher.New(publisher.Config{
			Host:          cfg.BrokerAddress,
			Topics:        cfg.Topics,
			Offered:       cfg.Offered,
			SleepPeriod:   cfg.SleepPeriod,
			Indefinite:    cfg.Indefinite,
			MaxEventCount: cfg.MaxEventCount,
		}, client, pool)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			if err := p.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		fmt.Println("✓ Publisher started")
		return waitForShutdown(cancel, errCh)
	},
}

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Run a subscriber",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, pubsubconfig.RoleSubscriber)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetStringSlice("topics"); len(v) > 0 {
			cfg.Topics = v
		}
		if v, _ := cmd.Flags().GetInt("requested"); v != 0 {
			cfg.Requested = v
		}
		if v, _ := cmd.Flags().GetString("host"); v != "" {
			cfg.BrokerAddress = v
		}
		if v, _ := cmd.Flags().GetString("filename"); v != "" {
			cfg.Filename = v
		}
		if v, _ := cmd.Flags().GetInt("max-event-count"); v != 0 {
			cfg.MaxEventCount = v
			cfg.Indefinite = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		startMetricsServer(cmd)

		client := newCoordClient(cfg)
		pool := newPortAllocator()
		s := subscriber.New(subscriber.Config{
			Host:          cfg.BrokerAddress,
			Topics:        cfg.Topics,
			Requested:     cfg.Requested,
			SleepPeriod:   cfg.SleepPeriod,
			Indefinite:    cfg.Indefinite,
			MaxEventCount: cfg.MaxEventCount,
			Filename:      cfg.Filename,
		}, client, pool)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			if err := s.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		fmt.Println("✓ Subscriber started")
		err = waitForShutdown(cancel, errCh)
		if cfg.Filename != "" {
			if werr := s.WriteCSV(cfg.Filename); werr != nil {
				fmt.Fprintf(os.Stderr, "error writing received log: %v\n", werr)
			} else {
				fmt.Printf("✓ Received log written to %s\n", cfg.Filename)
			}
		}
		return err
	},
}

var backupPoolCmd = &cobra.Command{
	Use:   "backup-pool",
	Short: "Run the autoscale-up backup pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, pubsubconfig.RoleBackupPool)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetFloat64("load-threshold"); v != 0 {
			cfg.LoadThreshold = v
		}
		if v, _ := cmd.Flags().GetString("host"); v != "" {
			cfg.BrokerAddress = v
		}
		if v, _ := cmd.Flags().GetBool("centralized"); v {
			cfg.Centralized = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		startMetricsServer(cmd)

		client := newCoordClient(cfg)
		pool := newPortAllocator()
		bp := backuppool.New(backuppool.Config{
			Host:        cfg.BrokerAddress,
			Threshold:   cfg.LoadThreshold,
			Centralized: cfg.Centralized,
			PollTimeout: 500 * time.Millisecond,
		}, client, pool)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			if err := bp.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		fmt.Println("✓ Backup pool started")
		return waitForShutdown(cancel, errCh)
	},
}

var loadBalancerCmd = &cobra.Command{
	Use:   "load-balancer",
	Short: "Run the administrative load balancer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, pubsubconfig.RoleLoadBalancer)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetFloat64("load-threshold"); v != 0 {
			cfg.LoadThreshold = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		startMetricsServer(cmd)

		client := newCoordClient(cfg)
		lb := loadbalancer.New(loadbalancer.Config{
			Threshold: cfg.LoadThreshold,
		}, client)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			if err := lb.Run(ctx); err != nil {
				errCh <- err
			}
		}()
		fmt.Println("✓ Load balancer started")
		return waitForShutdown(cancel, errCh)
	},
}

func init() {
	brokerCmd.Flags().Int("zone", 0, "Zone id this broker serves (required)")
	brokerCmd.Flags().String("host", "127.0.0.1", "Address this broker advertises to clients")
	brokerCmd.Flags().Bool("centralized", false, "Run in centralized dissemination mode")
	brokerCmd.Flags().Int("autokill-secs", 0, "Seconds after becoming primary before this broker steps down (0 = never)")
	brokerCmd.Flags().Int("max-event-count", 0, "Stop after handling this many poller events (0 = run indefinitely)")

	publisherCmd.Flags().StringSlice("topics", nil, "Topics this publisher offers")
	publisherCmd.Flags().Int("offered", 1, "Size of the sliding history window this publisher offers (shared across its topics)")
	publisherCmd.Flags().String("host", "127.0.0.1", "Host this publisher advertises for its event socket")
	publisherCmd.Flags().Int("max-event-count", 0, "Stop after this many events (0 = run indefinitely)")

	subscriberCmd.Flags().StringSlice("topics", nil, "Topics this subscriber wants")
	subscriberCmd.Flags().Int("requested", 1, "Number of trailing history events taken from each received message")
	subscriberCmd.Flags().String("host", "127.0.0.1", "Host this subscriber advertises to its broker")
	subscriberCmd.Flags().String("filename", "", "CSV file to write the received log to on shutdown")
	subscriberCmd.Flags().Int("max-event-count", 0, "Stop after receiving this many events (0 = run indefinitely)")

	backupPoolCmd.Flags().Float64("load-threshold", 0, "Load above which a new zone is spun up")
	backupPoolCmd.Flags().String("host", "127.0.0.1", "Address spun-up brokers advertise to clients")
	backupPoolCmd.Flags().Bool("centralized", false, "Run spun-up brokers in centralized dissemination mode")

	loadBalancerCmd.Flags().Float64("load-threshold", 0, "Demote a zone when the load spread over one fewer zone would stay at or below this")
}
