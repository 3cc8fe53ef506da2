package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"
)

type client struct {
	base string
	http *http.Client
	csrf string
}

func (c *client) call(method, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

type tool struct {
	ID       int64  `json:"id"`
	Location string `json:"location"`
	Version  int64  `json:"version"`
}

func main() {
	base := flag.String("url", envOr("MROCORE_SMOKE_URL", "http://localhost:8080"), "API base URL")
	number := flag.String("employee-number", os.Getenv("MROCORE_SMOKE_USER"), "employee number with tool.edit")
	password := flag.String("password", os.Getenv("MROCORE_SMOKE_PASSWORD"), "password")
	flag.Parse()

	if *number == "" || *password == "" {
		log.Fatal("employee number and password are required")
	}

	jar, _ := cookiejar.New(nil)
	c := &client{base: *base, http: &http.Client{Jar: jar, Timeout: 5 * time.Second}}

	var session struct {
		Code      string `json:"code"`
		CSRFToken string `json:"csrf_token"`
	}
	status, err := c.call(http.MethodPost, "/api/auth/login", map[string]string{
		"employee_number": *number,
		"password":        *password,
	}, &session)
	if err != nil || status != http.StatusOK {
		log.Fatalf("login: status=%d err=%v", status, err)
	}
	if session.CSRFToken == "" {
		log.Fatalf("login did not complete (code %q)", session.Code)
	}
	c.csrf = session.CSRFToken

	var created tool
	status, err = c.call(http.MethodPost, "/api/tools", map[string]string{
		"tool_number": fmt.Sprintf("SMOKE-%d", time.Now().UnixNano()),
		"location":    "Smoke Crib",
	}, &created)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("create tool: status=%d err=%v", status, err)
	}

	path := fmt.Sprintf("/api/tools/%d", created.ID)
	var updated tool
	status, err = c.call(http.MethodPut, path, map[string]any{"location": "Bay 1", "version": created.Version}, &updated)
	if err != nil || status != http.StatusOK {
		log.Fatalf("update tool: status=%d err=%v", status, err)
	}
	if updated.Version != created.Version+1 {
		log.Fatalf("version did not advance: %d -> %d", created.Version, updated.Version)
	}

	var conflict struct {
		ErrorCode       string `json:"error_code"`
		ConflictDetails struct {
			CurrentVersion int64 `json:"current_version"`
		} `json:"conflict_details"`
	}
	status, err = c.call(http.MethodPut, path, map[string]any{"location": "Bay 2", "version": created.Version}, &conflict)
	if err != nil || status != http.StatusConflict {
		log.Fatalf("stale update: expected 409, got status=%d err=%v", status, err)
	}
	if conflict.ConflictDetails.CurrentVersion != updated.Version {
		log.Fatalf("conflict reported version %d, want %d", conflict.ConflictDetails.CurrentVersion, updated.Version)
	}

	fmt.Printf("smoke test passed: tool=%d version=%d\n", updated.ID, updated.Version)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
