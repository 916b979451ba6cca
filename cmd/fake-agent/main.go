// ABOUTME: Minimal fake agent for E2E testing — registers over HTTP, serves echo and sleep tools.
// ABOUTME: Usage: fake-agent [-broker http://localhost:8700] [-name echo-1] [-group echo] [-listen :8810]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"
)

func main() {
	broker := flag.String("broker", "http://localhost:8700", "broker base URL")
	name := flag.String("name", "echo-1", "agent instance name")
	group := flag.String("group", "echo", "agent group")
	listen := flag.String("listen", ":8810", "listen address for tool calls")
	endpoint := flag.String("endpoint", "", "advertised endpoint (default http://localhost<listen>)")
	heartbeat := flag.Duration("heartbeat", 2*time.Second, "heartbeat interval")
	flag.Parse()

	ep := *endpoint
	if ep == "" {
		ep = "http://localhost" + *listen
	}

	if err := run(*broker, *name, *group, *listen, ep, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

// inFlight tracks concurrent tool calls, reported as the load metric.
var inFlight atomic.Int64

func run(broker, name, group, listen, endpoint string, heartbeat time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/call", handleCall)
	srv := &http.Server{Addr: listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake-agent %s listening on %s", name, listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := register(broker, name, group, endpoint); err != nil {
		return fmt.Errorf("registering with broker: %w", err)
	}
	log.Printf("registered with broker at %s", broker)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := sendHeartbeat(broker, name); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}

	if err := unregister(broker, name); err != nil {
		log.Printf("unregister failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func register(broker, name, group, endpoint string) error {
	payload := map[string]any{
		"name":     name,
		"group":    group,
		"endpoint": endpoint,
		"roles":    []string{"testing"},
		"tools": []map[string]any{
			{
				"name":        "echo",
				"description": "Echo the message back",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"message": map[string]any{"type": "string"}},
					"required":   []string{"message"},
				},
			},
			{
				"name":        "sleep",
				"description": "Sleep for the given number of milliseconds",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"ms": map[string]any{"type": "number"}},
					"required":   []string{"ms"},
				},
			},
		},
	}
	return post(broker+"/api/agents/register", payload)
}

func unregister(broker, name string) error {
	return post(broker+"/api/agents/unregister", map[string]any{"agent_name": name})
}

func sendHeartbeat(broker, name string) error {
	return post(broker+"/api/agents/heartbeat", map[string]any{
		"agent_name": name,
		"load":       float64(inFlight.Load()),
	})
}

func post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

func handleCall(w http.ResponseWriter, r *http.Request) {
	inFlight.Add(1)
	defer inFlight.Add(-1)

	var req struct {
		ToolName   string         `json:"tool_name"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, false, nil, "invalid request: "+err.Error())
		return
	}

	switch req.ToolName {
	case "echo":
		msg, _ := req.Parameters["message"].(string)
		writeResult(w, true, map[string]any{"echo": msg}, "")
	case "sleep":
		ms, _ := req.Parameters["ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			writeResult(w, true, map[string]any{"slept_ms": ms}, "")
		case <-r.Context().Done():
			writeResult(w, false, nil, "canceled")
		}
	default:
		writeResult(w, false, nil, fmt.Sprintf("unknown tool %q", req.ToolName))
	}
}

func writeResult(w http.ResponseWriter, success bool, result any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"result":  result,
		"error":   errMsg,
	})
}
