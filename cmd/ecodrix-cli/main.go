// Command ecodrix-cli is the operator tool for provisioning tenants against
// a running backend: create clients, store provider secrets, register tenant
// databases and rotate API keys.
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

	baseURL := os.Getenv("ECODRIX_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	adminToken := os.Getenv("ECODRIX_ADMIN_TOKEN")

	switch os.Args[1] {
	case "create-client":
		cmdCreateClient(baseURL, adminToken)
	case "secrets":
		cmdSecrets(baseURL, adminToken)
	case "datasource":
		cmdDataSource(baseURL, adminToken)
	case "rotate-key":
		cmdRotateKey(baseURL, adminToken)
	case "version":
		fmt.Printf("ecodrix-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Ecodrix provisioning CLI v` + version + `

Usage: ecodrix-cli <command> [flags]

Commands:
  create-client   Provision a tenant and print its one-time API key
  secrets         Store a tenant's provider credentials from a JSON file
  datasource      Register a tenant's database connection string
  rotate-key      Rotate a tenant's API key
  version         Print version
  help            Show this help

Environment:
  ECODRIX_API_URL      Backend URL (default: http://localhost:8080)
  ECODRIX_ADMIN_TOKEN  Admin token for the provisioning endpoints

Examples:
  ecodrix-cli create-client --code ACME --name "Acme Corp" --email ops@acme.test
  ecodrix-cli secrets --code ACME --file acme-secrets.json
  ecodrix-cli datasource --code ACME --dsn "postgres://user:pw@host/acme_crm"
  ecodrix-cli rotate-key --code ACME`)
}

// ----------------------------------------------------------------
// create-client
// ----------------------------------------------------------------

func cmdCreateClient(baseURL, adminToken string) {
	var code, name, email string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--code", "-c":
			i++
			if i < len(args) {
				code = args[i]
			}
		case "--name", "-n":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--email", "-e":
			i++
			if i < len(args) {
				email = args[i]
			}
		}
	}
	if code == "" || name == "" {
		fmt.Fprintln(os.Stderr, "Error: --code and --name are required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{
		"tenantCode":   code,
		"businessName": name,
		"email":        email,
	})
	resp, err := doRequest("POST", baseURL+"/admin/clients", body, adminToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]string
	json.Unmarshal(resp, &result)
	fmt.Printf("✅ Client %s created\n", result["tenantCode"])
	fmt.Printf("API key (shown once, store it now): %s\n", result["apiKey"])
}

// ----------------------------------------------------------------
// secrets
// ----------------------------------------------------------------

func cmdSecrets(baseURL, adminToken string) {
	var code, file string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--code", "-c":
			i++
			if i < len(args) {
				code = args[i]
			}
		case "--file", "-f":
			i++
			if i < len(args) {
				file = args[i]
			}
		}
	}
	if code == "" || file == "" {
		fmt.Fprintln(os.Stderr, "Error: --code and --file are required")
		os.Exit(1)
	}

	body, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Read %s: %v\n", file, err)
		os.Exit(1)
	}
	if !json.Valid(body) {
		fmt.Fprintf(os.Stderr, "❌ %s is not valid JSON\n", file)
		os.Exit(1)
	}

	if _, err := doRequest("POST", baseURL+"/admin/clients/"+code+"/secrets", body, adminToken); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Secrets stored for %s\n", code)
}

// ----------------------------------------------------------------
// datasource
// ----------------------------------------------------------------

func cmdDataSource(baseURL, adminToken string) {
	var code, dsn string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--code", "-c":
			i++
			if i < len(args) {
				code = args[i]
			}
		case "--dsn", "-d":
			i++
			if i < len(args) {
				dsn = args[i]
			}
		}
	}
	if code == "" || dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: --code and --dsn are required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{"connString": dsn})
	if _, err := doRequest("POST", baseURL+"/admin/clients/"+code+"/datasource", body, adminToken); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Datasource stored for %s\n", code)
}

// ----------------------------------------------------------------
// rotate-key
// ----------------------------------------------------------------

func cmdRotateKey(baseURL, adminToken string) {
	var code string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--code" || args[i] == "-c" {
			i++
			if i < len(args) {
				code = args[i]
			}
		}
	}
	if code == "" {
		fmt.Fprintln(os.Stderr, "Error: --code is required")
		os.Exit(1)
	}

	resp, err := doRequest("POST", baseURL+"/admin/clients/"+code+"/rotate-key", nil, adminToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]string
	json.Unmarshal(resp, &result)
	fmt.Printf("✅ Key rotated for %s\n", code)
	fmt.Printf("New API key (shown once): %s\n", result["apiKey"])
}

// ----------------------------------------------------------------
// http plumbing
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, adminToken string) ([]byte, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("x-admin-token", adminToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
