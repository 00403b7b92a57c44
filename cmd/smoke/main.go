package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"pulseboard.org/internal/auth"
)

// Smoke client: connects to a running API, opens the event stream, joins a
// track, runs a record through its mutation lifecycle and verifies resync.
func main() {
	base := os.Getenv("PULSEBOARD_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	if !strings.HasPrefix(base, "http") {
		base = "http://localhost" + base
	}

	token, err := auth.GenerateToken("smoke-admin", auth.RoleAdmin, 5*time.Minute)
	if err != nil {
		log.Fatalf("generate token (is PULSEBOARD_AUTH_SECRET set?): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionID, events, err := openStream(ctx, base, token)
	if err != nil {
		log.Fatalf("open stream: %v", err)
	}

	c := &client{base: base, token: token, session: sessionID}
	trackID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	if err := c.post("/v1/tracks/"+trackID+"/join", nil, nil); err != nil {
		log.Fatalf("join: %v", err)
	}

	var created struct {
		EntityID string `json:"entity_id"`
	}
	err = c.post("/v1/tracks/"+trackID+"/records",
		map[string]any{"data": map[string]any{"title": "smoke"}}, &created)
	if err != nil {
		log.Fatalf("create record: %v", err)
	}

	recPath := "/v1/tracks/" + trackID + "/records/" + created.EntityID
	if err := c.post(recPath, map[string]any{"base_version": 1, "change": map[string]any{"title": "v2"}}, nil); err != nil {
		log.Fatalf("mutate: %v", err)
	}
	if err := c.post(recPath, map[string]any{"base_version": 1, "change": map[string]any{"title": "stale"}}, nil); err == nil {
		log.Fatal("stale mutation was accepted")
	}

	var window struct {
		Items []struct {
			Seq uint64 `json:"seq"`
		} `json:"items"`
	}
	if err := c.get("/v1/tracks/"+trackID+"/resync?after=0", &window); err != nil {
		log.Fatalf("resync: %v", err)
	}
	if len(window.Items) != 2 || window.Items[0].Seq != 1 || window.Items[1].Seq != 2 {
		log.Fatalf("resync window wrong: %+v", window.Items)
	}

	// Both mutations must have arrived on the live stream too.
	received := 0
	timeout := time.After(5 * time.Second)
	for received < 2 {
		select {
		case kind := <-events:
			if strings.HasPrefix(kind, "record.") {
				received++
			}
		case <-timeout:
			log.Fatalf("stream delivered %d record events, want 2", received)
		}
	}

	fmt.Printf("smoke test passed: track=%s record=%s session=%s\n", trackID, created.EntityID, sessionID)
}

// openStream connects to /v1/stream, reads the session frame and keeps
// forwarding event kinds on the returned channel.
func openStream(ctx context.Context, base, token string) (string, <-chan string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/stream", nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("stream status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	var kind, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			resp.Body.Close()
			return "", nil, err
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			kind = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
		}
		if line == "" && kind != "" {
			break
		}
	}
	if kind != "session" {
		resp.Body.Close()
		return "", nil, fmt.Errorf("first frame was %q", kind)
	}
	var frame struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		resp.Body.Close()
		return "", nil, err
	}

	events := make(chan string, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()
	return frame.SessionID, events, nil
}

type client struct {
	base    string
	token   string
	session string
}

func (c *client) do(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Pulseboard-Session", c.session)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, buf.String())
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}
