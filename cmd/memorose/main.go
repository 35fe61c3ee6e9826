package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/node"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memorose",
	Short: "Memorose - distributed memory store for AI agents",
	Long: `Memorose ingests raw agent events and consolidates them into a
layered, graph-linked, searchable knowledge base, replicated per shard
with Raft.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Memorose version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Memorose node",
	Long: `Run a Memorose node hosting a replica of every shard.

With --bootstrap the node forms fresh single-voter groups and is
immediately writable; without it, the node waits to be joined into an
existing cluster (POST /v1/cluster/join on the current leader) or to be
initialized over the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// Flags override the file.
		if v, _ := cmd.Flags().GetString("node-id"); v != "" {
			cfg.NodeID = v
		}
		if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
			cfg.BindAddr = v
		}
		if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
			cfg.APIAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetInt("shard-count"); v > 0 {
			cfg.ShardCount = v
		}
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")

		n, err := node.New(cfg, bootstrap)
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("Shutting down...")
			n.Stop()
			os.Exit(0)
		}()

		return n.Start()
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and manage a Memorose cluster",
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("node-id", "", "Unique node identifier")
	serverCmd.Flags().String("bind-addr", "", "Raft base bind address (shard i uses port+i)")
	serverCmd.Flags().String("api-addr", "", "REST API listen address")
	serverCmd.Flags().String("data-dir", "", "Data directory")
	serverCmd.Flags().Int("shard-count", 0, "Number of shards (fixed at cluster init)")
	serverCmd.Flags().Bool("bootstrap", false, "Bootstrap fresh single-voter groups on this node")

	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterJoinCmd)

	clusterStatusCmd.Flags().String("api-addr", "127.0.0.1:8080", "API address of any node")
	clusterJoinCmd.Flags().String("api-addr", "127.0.0.1:8080", "API address of the current leader")
	clusterJoinCmd.Flags().String("node-id", "", "Joining node's id")
	clusterJoinCmd.Flags().String("address", "", "Joining node's raft base address")

	ingestCmd.Flags().String("api-addr", "127.0.0.1:8080", "API address of any node")
	ingestCmd.Flags().String("user", "default", "Tenant id")
	ingestCmd.Flags().String("app", "default", "App id")
	ingestCmd.Flags().String("stream", "default", "Stream id")

	searchCmd.Flags().String("api-addr", "127.0.0.1:8080", "API address of any node")
	searchCmd.Flags().String("user", "", "Tenant id filter")
	searchCmd.Flags().String("mode", "hybrid", "Query mode (text, vector, hybrid)")
	searchCmd.Flags().Int("limit", 10, "Result count")
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		return getJSON(apiAddr, "/v1/cluster/status")
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a node into the cluster (run against the leader)",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		nodeID, _ := cmd.Flags().GetString("node-id")
		address, _ := cmd.Flags().GetString("address")
		if nodeID == "" || address == "" {
			return fmt.Errorf("--node-id and --address are required")
		}
		return postJSON(apiAddr, "/v1/cluster/join", map[string]string{
			"node_id": nodeID,
			"address": address,
		})
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Ingest one text event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		user, _ := cmd.Flags().GetString("user")
		app, _ := cmd.Flags().GetString("app")
		stream, _ := cmd.Flags().GetString("stream")
		path := fmt.Sprintf("/v1/users/%s/apps/%s/streams/%s/events", user, app, stream)
		return postJSON(apiAddr, path, map[string]interface{}{
			"content": map[string]string{"type": "text", "data": args[0]},
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search consolidated memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		user, _ := cmd.Flags().GetString("user")
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		return postJSON(apiAddr, "/v1/search", map[string]interface{}{
			"query":   args[0],
			"mode":    mode,
			"limit":   limit,
			"user_id": user,
		})
	},
}
