// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	kvcli write mykey "hello world"  --server http://localhost:5000 --token secret
//	kvcli read mykey                 --server http://localhost:5000 --token secret
//	kvcli nodes                      --server http://localhost:5000 --token secret
//	kvcli fail 2 && kvcli recover 2
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"replicated-kvstore/internal/client"
)

var (
	serverAddr string
	apiToken   string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the replicated KV store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:5000", "KV store server address")
	root.PersistentFlags().StringVarP(&apiToken, "token", "t",
		"", "Bearer token for the API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(writeCmd(), readCmd(), deleteCmd(), nodesCmd(),
		failCmd(), recoverCmd(), strategyCmd(), placementCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverAddr, apiToken, timeout)
}

// ─── write ────────────────────────────────────────────────────────────────────

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <key> <value>",
		Short: "Store a key-value pair on the replicas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Write(context.Background(), args[0], args[1])
			if err == client.ErrConflict {
				fmt.Printf("key %q already exists\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── read ─────────────────────────────────────────────────────────────────────

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Read(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key from every replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Delete(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── nodes ────────────────────────────────────────────────────────────────────

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List every node with its status and port",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Nodes(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── fail / recover ───────────────────────────────────────────────────────────

func failCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <node-id>",
		Short: "Simulate the failure of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("node id must be an integer: %q", args[0])
			}
			resp, err := newClient().FailNode(context.Background(), id)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <node-id>",
		Short: "Bring a failed node back and rehome its keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("node id must be an integer: %q", args[0])
			}
			resp, err := newClient().RecoverNode(context.Background(), id)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── strategy / placement ─────────────────────────────────────────────────────

func strategyCmd() *cobra.Command {
	var factor int
	cmd := &cobra.Command{
		Use:   "strategy <full|consistent>",
		Short: "Switch the replication strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().SetStrategy(context.Background(), args[0], factor)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&factor, "factor", "f", 0,
		"Replication factor (consistent strategy only; 0 means node count)")
	return cmd
}

func placementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "placement <key>",
		Short: "Show which nodes are responsible for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().NodesForKey(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
