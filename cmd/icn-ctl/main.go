// Command icn-ctl is a thin HTTP client for operating against a running
// icn-node: submitting jobs and querying receipts/reputation. Grounded on
// the teacher's cmd/synnergy/main.go cobra subcommand layout, generalized
// from in-process ledger calls to HTTP calls against httpapi's surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var nodeAddr string

func main() {
	root := &cobra.Command{
		Use:   "icn-ctl",
		Short: "Control and query an ICN planetary mesh node",
	}
	root.PersistentFlags().StringVar(&nodeAddr, "node", "http://127.0.0.1:8080", "address of the icn-node HTTP API")

	root.AddCommand(submitJobCmd(), originatedCmd(), receiptCmd(), profileCmd(), leaderboardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func get(path string, out interface{}) error {
	resp, err := httpClient.Get(nodeAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(nodeAddr+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func submitJobCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit-job",
		Short: "Submit a MeshJobParams JSON document as a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var params map[string]interface{}
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("parse job params: %w", err)
			}
			var out map[string]interface{}
			if err := postJSON("/jobs", params, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a MeshJobParams JSON document")
	cmd.MarkFlagRequired("file")
	return cmd
}

func originatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs originated by this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]interface{}
			if err := get("/jobs/originated", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func receiptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt [cid]",
		Short: "Fetch a signed execution receipt by its content identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := get("/receipts/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	return cmd
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile [did]",
		Short: "Fetch an executor's reputation profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := get("/reputation/profiles/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	return cmd
}

func leaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "List all known executor reputation profiles by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]interface{}
			if err := get("/reputation/leaderboard", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
