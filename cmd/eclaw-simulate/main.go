// Command eclaw-simulate plays automated games against a running eclawd
// server: it joins the queue, authenticates the Control Channel, confirms
// the ready prompt, moves the claw randomly, drops, and reports the result.
// Ported from the original project's scripts/simulate_player.py.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type joinRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type joinResponse struct {
	Token    string `json:"token"`
	Position int64  `json:"position"`
}

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Key   string `json:"key,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Result    string `json:"result"`
	TriesUsed int    `json:"tries_used"`
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8080", "eclawd base URL")
	count := flag.Int("count", 5, "number of simulated players")
	parallel := flag.Bool("parallel", false, "run all players simultaneously")
	flag.Parse()

	fmt.Printf("Simulating %d players against %s\n\n", *count, *baseURL)

	if *parallel {
		var wg sync.WaitGroup
		for i := 1; i <= *count; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				simulatePlayer(*baseURL, n)
			}(i)
		}
		wg.Wait()
		return
	}

	for i := 1; i <= *count; i++ {
		simulatePlayer(*baseURL, i)
		fmt.Println()
	}
}

func simulatePlayer(baseURL string, playerNum int) {
	name := fmt.Sprintf("TestPlayer_%d", playerNum)
	email := fmt.Sprintf("test%d@example.com", playerNum)
	tag := fmt.Sprintf("[%s]", name)

	fmt.Printf("%s Joining queue...\n", tag)

	body, _ := json.Marshal(joinRequest{Name: name, Email: email})
	resp, err := http.Post(baseURL+"/api/queue/join", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("%s failed to join: %v\n", tag, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("%s failed to join: %d\n", tag, resp.StatusCode)
		return
	}
	var join joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		fmt.Printf("%s malformed join response: %v\n", tag, err)
		return
	}
	fmt.Printf("%s Joined at position %d\n", tag, join.Position)

	wsURL := strings.Replace(baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/ws/control"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Printf("%s failed to connect control channel: %v\n", tag, err)
		return
	}
	defer conn.Close()

	send := func(msg clientMessage) {
		if err := conn.WriteJSON(msg); err != nil {
			fmt.Printf("%s write error: %v\n", tag, err)
		}
	}

	send(clientMessage{Type: "auth", Token: join.Token})

	var authResp serverMessage
	if err := conn.ReadJSON(&authResp); err != nil || authResp.Type != "auth_ok" {
		fmt.Printf("%s auth failed: %+v (err=%v)\n", tag, authResp, err)
		return
	}
	fmt.Printf("%s Authenticated, state=%s\n", tag, authResp.State)

	directions := []string{"north", "south", "east", "west"}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(playerNum)))

	conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			fmt.Printf("%s timeout or read error waiting for turn: %v\n", tag, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		fmt.Printf("%s Received: %s\n", tag, msg.Type)

		switch {
		case msg.Type == "ready_prompt":
			fmt.Printf("%s Got ready prompt, confirming...\n", tag)
			time.Sleep(time.Second)
			send(clientMessage{Type: "ready_confirm"})

		case msg.Type == "state_update" && msg.State == "moving":
			fmt.Printf("%s Moving!\n", tag)
			moves := 3 + rng.Intn(6)
			for i := 0; i < moves; i++ {
				d := directions[rng.Intn(len(directions))]
				send(clientMessage{Type: "keydown", Key: d})
				time.Sleep(time.Duration(200+rng.Intn(1300)) * time.Millisecond)
				send(clientMessage{Type: "keyup", Key: d})
				time.Sleep(100 * time.Millisecond)
			}
			fmt.Printf("%s Dropping!\n", tag)
			send(clientMessage{Type: "drop_start"})

		case msg.Type == "turn_end":
			fmt.Printf("%s Turn ended: %s (tries used: %d)\n", tag, msg.Result, msg.TriesUsed)
			return

		case msg.Type == "state_update" && msg.State == "idle":
			fmt.Printf("%s Game returned to idle\n", tag)
			return
		}
	}
}
