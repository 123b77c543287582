package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("COPILOT_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	apiKey := os.Getenv("COPILOT_API_KEY")

	switch os.Args[1] {
	case "submit":
		cmdSubmit(gateway, apiKey)
	case "audit":
		cmdAudit(gateway, apiKey)
	case "inbox":
		cmdInbox(gateway, apiKey)
	case "status":
		cmdStatus(gateway, apiKey)
	case "version":
		fmt.Printf("copilot-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Copilot Governance CLI v` + version + `

Usage: copilot <command> [flags]

Commands:
  submit    Submit a task through the governance pipeline
  audit     Show recent audit events
  inbox     Drain a recipient's message queue
  status    Show service and broker status
  version   Print version
  help      Show this help

Environment:
  COPILOT_GATEWAY_URL   Gateway URL (default: http://localhost:8080)
  COPILOT_API_KEY       API key ("keyID:secret") for authenticated deployments

Examples:
  copilot submit --task "submit expense report" --role employee --data '{"employee_id":"E420","amount":75}'
  copilot submit --task "retrieve the reimbursement policy" --role employee
  copilot audit
  copilot inbox ExpenseWorker`)
}

// ----------------------------------------------------------------
// submit command
// ----------------------------------------------------------------

func cmdSubmit(gateway, apiKey string) {
	var task, role, dataJSON string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task", "-t":
			i++
			if i < len(args) {
				task = args[i]
			}
		case "--role", "-r":
			i++
			if i < len(args) {
				role = args[i]
			}
		case "--data", "-d":
			i++
			if i < len(args) {
				dataJSON = args[i]
			}
		}
	}

	if task == "" {
		fmt.Fprintln(os.Stderr, "Error: --task is required")
		os.Exit(1)
	}
	if role == "" {
		role = "employee"
	}

	var data map[string]interface{}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			fmt.Fprintf(os.Stderr, "Error: --data is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}

	body, _ := json.Marshal(map[string]interface{}{
		"task": task,
		"role": role,
		"data": data,
	})

	resp, err := doRequest("POST", gateway+"/api/tasks", body, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	status, _ := result["status"].(string)
	switch status {
	case "completed":
		fmt.Printf("✅ COMPLETED | task_id=%s\n", result["task_id"])
	case "blocked":
		fmt.Printf("🚫 BLOCKED | reason=%s\n", result["reason_code"])
	case "denied":
		fmt.Printf("⛔ DENIED | reason=%s\n", result["reason_code"])
	case "throttled":
		fmt.Printf("⏳ THROTTLED | retry later\n")
	case "rejected":
		fmt.Printf("🚨 REJECTED | reason=%s\n", result["reason_code"])
	default:
		fmt.Printf("🔄 %s\n", status)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

// ----------------------------------------------------------------
// audit command
// ----------------------------------------------------------------

func cmdAudit(gateway, apiKey string) {
	resp, err := doRequest("GET", gateway+"/api/audit", nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result struct {
		Events []map[string]interface{} `json:"events"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Events) == 0 {
		fmt.Println("No audit events.")
		return
	}

	fmt.Printf("%-26s %-18s %-35s %s\n", "TIMESTAMP", "ACTOR", "ACTION", "SEVERITY")
	fmt.Println("-------------------------------------------------------------------------------------------")
	for _, e := range result.Events {
		fmt.Printf("%-26s %-18s %-35s %s\n",
			e["timestamp"], e["actor"], e["action"], e["severity"])
	}
}

// ----------------------------------------------------------------
// inbox command
// ----------------------------------------------------------------

func cmdInbox(gateway, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: copilot inbox <recipient>")
		os.Exit(1)
	}
	recipient := os.Args[2]

	resp, err := doRequest("GET", gateway+"/api/inbox/"+recipient, nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	fmt.Printf("Recipient: %s\nMessages:  %.0f\n", recipient, toFloat(result["message_count"]))
	out, _ := json.MarshalIndent(result["messages"], "", "  ")
	fmt.Println(string(out))
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(gateway, apiKey string) {
	resp, err := doRequest("GET", gateway+"/api/status", nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, apiKey string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
