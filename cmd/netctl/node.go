package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Register nodes on a running controller",
}

var nodePutCmd = &cobra.Command{
	Use:   "put NAME",
	Short: "PUT a node's user config overlay to a running controller",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodePut,
}

func init() {
	nodePutCmd.Flags().String("addr", "http://127.0.0.1:8080", "controller API base address")
	nodePutCmd.Flags().String("file", "", "path to a JSON overlay file (defaults to {})")
	nodeCmd.AddCommand(nodePutCmd)
}

func runNodePut(cmd *cobra.Command, args []string) error {
	name := args[0]
	addr, _ := cmd.Flags().GetString("addr")
	file, _ := cmd.Flags().GetString("file")

	body := []byte("{}")
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading overlay file: %w", err)
		}
		var check map[string]any
		if err := json.Unmarshal(raw, &check); err != nil {
			return fmt.Errorf("overlay file is not valid JSON: %w", err)
		}
		body = raw
	}

	url := fmt.Sprintf("%s/nodes/%s", addr, name)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PUT %s: %s: %s", url, resp.Status, string(respBody))
	}

	fmt.Printf("node %q registered\n", name)
	return nil
}
