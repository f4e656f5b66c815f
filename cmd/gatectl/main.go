package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/exhazordinary/pr-comprehension-gate/internal/daemon"
	"github.com/exhazordinary/pr-comprehension-gate/internal/storage"
	"github.com/exhazordinary/pr-comprehension-gate/internal/version"
)

var (
	daemonAddr string
	recordAll  bool
)

var rootCmd = &cobra.Command{
	Use:           "gatectl",
	Short:         "Inspect a running gated daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version.Version,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := client().Status()
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show gate counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := client().Metrics()
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <owner/repo> <pr>",
	Short: "Show the review record for a pull request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := args[0]
		prNumber, err := strconv.Atoi(args[1])
		if err != nil || prNumber <= 0 {
			return fmt.Errorf("pr must be a positive integer, got %q", args[1])
		}

		if recordAll {
			records, err := client().Generations(repo, prNumber)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("No records for %s\n", storage.Key(repo, prNumber))
				return nil
			}
			return printJSON(records)
		}

		rec, err := client().ActiveRecord(repo, prNumber)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func client() *daemon.Client {
	return daemon.NewClient(daemonAddr)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:8177", "gated daemon address")
	recordCmd.Flags().BoolVar(&recordAll, "all", false, "Show all generations, including stale ones")
	rootCmd.AddCommand(statusCmd, metricsCmd, recordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
