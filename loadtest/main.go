package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs; start small, the database may choke on thousands at once")
	msgCount  = flag.Int("messages", 20, "messages per user")
	interval  = flag.Duration("interval", 60*time.Millisecond, "delay between sends; the server rate-limits each socket")
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    int64  `json:"id"`
}

type conversationResponse struct {
	ID int64 `json:"id"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d users, %d messages each", *pairCount*2, *msgCount)

	var st stats
	start := time.Now()

	// Pairs: user 0a talks to user 0b, 1a to 1b, ...
	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &st)
		}(i)
	}
	wg.Wait()

	log.Printf("done in %s: sent=%d received=%d errors=%d",
		time.Since(start).Round(time.Millisecond), st.sent.Load(), st.received.Load(), st.errors.Load())
}

func runPair(pairID int, st *stats) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		log.Printf("login failed [%s]: %v", userA, err)
		st.errors.Add(1)
		return
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		log.Printf("login failed [%s]: %v", userB, err)
		st.errors.Add(1)
		return
	}

	convID, err := createConversation(a.Token, b.ID)
	if err != nil {
		log.Printf("create conversation failed [%d]: %v", pairID, err)
		st.errors.Add(1)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chat(&wg, a.Token, convID, userA, st)
	go chat(&wg, b.Token, convID, userB, st)
	wg.Wait()
}

// authenticate registers (an existing user is fine) and logs in.
func authenticate(username, password string) (*loginResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON("/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", creds)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createConversation(token string, otherID int64) (int64, error) {
	resp, err := postJSON("/api/conversations", token, map[string]any{
		"type":          "user_to_user",
		"other_user_id": otherID,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, err
	}
	return data.ID, nil
}

func wsURL(token string) string {
	u := strings.Replace(*baseURL, "http", "ws", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

// chat joins the conversation, sends msgCount messages and counts what
// arrives in the meantime.
func chat(wg *sync.WaitGroup, token string, convID int64, user string, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(token), nil)
	if err != nil {
		log.Printf("ws connect failed [%s]: %v", user, err)
		st.errors.Add(1)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Type {
			case "message.received":
				st.received.Add(1)
			case "error":
				st.errors.Add(1)
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"action": "join", "conversation_id": convID}); err != nil {
		st.errors.Add(1)
		return
	}

	for i := 0; i < *msgCount; i++ {
		err := conn.WriteJSON(map[string]any{
			"action":          "message.send",
			"conversation_id": convID,
			"text_content":    fmt.Sprintf("load test message %d from %s", i, user),
		})
		if err != nil {
			log.Printf("send failed [%s]: %v", user, err)
			st.errors.Add(1)
			break
		}
		st.sent.Add(1)
		time.Sleep(*interval)
	}

	// Let the last echoes arrive before hanging up.
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-done
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
