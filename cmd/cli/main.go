package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	model     string
	varsFlag  map[string]string
	watchFlag bool
)

func main() {
	root := &cobra.Command{
		Use:   "promptops",
		Short: "CLI client for prompt-ops",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PROMPTOPS_API_KEY"), "API key")

	// Run submission and inspection
	runCmd := &cobra.Command{
		Use:   "run [prompt-version-id]",
		Short: "Submit a run for a prompt version",
		Args:  cobra.ExactArgs(1),
		RunE:  submitRun,
	}
	runCmd.Flags().StringToStringVar(&varsFlag, "var", nil, "Template variable (repeatable, name=value)")
	runCmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (server default when empty)")
	runCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Poll until the run reaches a terminal state")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [run-id]",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/runs/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cost [run-id]",
		Short: "Show the recorded cost of a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/runs/" + args[0] + "/cost")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/runs")
		},
	})

	// Experiments
	experimentCmd := &cobra.Command{
		Use:   "experiment [prompt-id]",
		Short: "Run a regression sweep over every version of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  submitExperiment,
	}
	root.AddCommand(experimentCmd)

	root.AddCommand(&cobra.Command{
		Use:   "results [experiment-id]",
		Short: "Show an experiment and its per-version results",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/experiments/" + args[0])
		},
	})

	// Prompt management
	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage prompts, versions and golden examples",
	}
	promptCmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Register a new prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/prompts", map[string]any{"name": args[0]})
		},
	})
	promptCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List prompts",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/prompts")
		},
	})
	promptCmd.AddCommand(&cobra.Command{
		Use:   "version [prompt-id] [version] [template]",
		Short: "Add a template version to a prompt",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/prompts/"+args[0]+"/versions", map[string]any{
				"version":  args[1],
				"template": args[2],
			})
		},
	})
	exampleCmd := &cobra.Command{
		Use:   "example [prompt-id] [expected-output]",
		Short: "Add a golden example to a prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/prompts/"+args[0]+"/examples", map[string]any{
				"input_data":      varsFlag,
				"expected_output": args[1],
			})
		},
	}
	exampleCmd.Flags().StringToStringVar(&varsFlag, "var", nil, "Input variable (repeatable, name=value)")
	promptCmd.AddCommand(exampleCmd)
	root.AddCommand(promptCmd)

	root.AddCommand(&cobra.Command{
		Use:   "costs",
		Short: "Show the cost summary for the last 24 hours",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/analytics/costs")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func submitRun(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"prompt_version_id": args[0],
		"variables":         varsFlag,
	}
	if model != "" {
		payload["model"] = model
	}

	result, err := request("POST", "/runs", payload)
	if err != nil {
		return err
	}
	printJSON(result)

	if !watchFlag {
		return nil
	}
	runID, ok := result["run_id"].(string)
	if !ok {
		return fmt.Errorf("no run_id in response")
	}
	return watchRun(runID)
}

func submitExperiment(_ *cobra.Command, args []string) error {
	return postJSON("/experiments", map[string]any{"prompt_id": args[0]})
}

// watchRun polls the run until it reaches a terminal state.
func watchRun(runID string) error {
	for {
		time.Sleep(time.Second)

		result, err := request("GET", "/runs/"+runID, nil)
		if err != nil {
			return err
		}

		status, _ := result["status"].(string)
		fmt.Fprintf(os.Stderr, "status: %s\n", status)

		if status == "completed" || status == "failed" {
			printJSON(result)
			if status == "failed" {
				os.Exit(1)
			}
			return nil
		}
	}
}

func getJSON(path string) error {
	result, err := request("GET", path, nil)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func postJSON(path string, payload map[string]any) error {
	result, err := request("POST", path, payload)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func request(method, path string, payload map[string]any) (map[string]any, error) {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode >= 400 {
		formatted, _ := json.MarshalIndent(result, "", "  ")
		return nil, fmt.Errorf("server returned %d:\n%s", resp.StatusCode, formatted)
	}

	// List endpoints return arrays; wrap them so callers get one shape.
	m, ok := result.(map[string]any)
	if !ok {
		return map[string]any{"items": result}, nil
	}
	return m, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
