// Package main implements a mock agent binary that speaks the ACP protocol
// over stdin/stdout. It generates simulated responses for engine tests and
// local development without spawning a real provider.
//
// Set AGENTDECK_MOCK_LOAD_SESSION=1 to advertise and honor the loadSession
// capability; without it every resume falls back to a fresh session.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

const protocolVersion = 1

type agent struct {
	mu      sync.Mutex
	out     *json.Encoder
	nextID  int64
	pending map[int64]chan *message

	canLoad   bool
	sessionN  int
	cancelled atomic.Bool
}

func main() {
	a := &agent{
		out:     json.NewEncoder(os.Stdout),
		pending: make(map[int64]chan *message),
		canLoad: os.Getenv("AGENTDECK_MOCK_LOAD_SESSION") == "1",
	}

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "agentdeck-mock: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func (a *agent) dispatch(msg *message) {
	// Responses to our own outbound requests (permission prompts) are
	// routed back to the waiting scenario goroutine.
	if msg.Method == "" && msg.ID != nil {
		a.mu.Lock()
		ch, ok := a.pending[*msg.ID]
		if ok {
			delete(a.pending, *msg.ID)
		}
		a.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case "initialize":
		a.respond(msg.ID, initializeResult{
			ProtocolVersion:   protocolVersion,
			AgentCapabilities: agentCapabilities{LoadSession: a.canLoad},
			AgentInfo:         implementation{Name: "agentdeck-mock", Version: "0.1.0"},
		})
	case "session/new":
		a.mu.Lock()
		a.sessionN++
		id := fmt.Sprintf("mock-session-%d-%d", os.Getpid(), a.sessionN)
		a.mu.Unlock()
		a.respond(msg.ID, newSessionResult{SessionID: id, Modes: defaultModes()})
	case "session/load":
		if !a.canLoad {
			a.respondErr(msg.ID, -32000, "session not found")
			return
		}
		a.respond(msg.ID, map[string]any{"modes": defaultModes()})
	case "session/prompt":
		var params promptParams
		_ = json.Unmarshal(msg.Params, &params)
		// Prompts run on their own goroutine so the read loop keeps
		// routing permission responses while a scenario is blocked.
		go a.runPrompt(msg.ID, params)
	case "session/set_mode":
		var params setModeParams
		_ = json.Unmarshal(msg.Params, &params)
		a.respond(msg.ID, map[string]any{})
		a.notify("session/update", map[string]any{
			"sessionId": params.SessionID,
			"update": map[string]any{
				"sessionUpdate": "current_mode_update",
				"currentModeId": params.ModeID,
			},
		})
	case "session/cancel":
		a.cancelled.Store(true)
	default:
		if msg.ID != nil {
			a.respondErr(msg.ID, -32601, "method not found")
		}
	}
}

func defaultModes() *modeState {
	return &modeState{
		CurrentModeID: "default",
		AvailableModes: []sessionMode{
			{ID: "default", Name: "Default"},
			{ID: "plan", Name: "Plan"},
		},
	}
}

func (a *agent) runPrompt(id *int64, params promptParams) {
	a.cancelled.Store(false)
	text := ""
	for _, block := range params.Prompt {
		if block.Type == "text" {
			text += block.Text
		}
	}

	stop := a.playScenario(params.SessionID, text)
	a.respond(id, promptResult{StopReason: stop})
}

func (a *agent) respond(id *int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	a.send(&message{JSONRPC: "2.0", ID: id, Result: raw})
}

func (a *agent) respondErr(id *int64, code int, text string) {
	a.send(&message{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: text}})
}

func (a *agent) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	a.send(&message{JSONRPC: "2.0", Method: method, Params: raw})
}

// request sends an agent-to-client request and blocks for the response.
func (a *agent) request(method string, params any) (*message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *message, 1)
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.pending[id] = ch
	a.mu.Unlock()

	a.send(&message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw})
	resp := <-ch
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
	}
	return resp, nil
}

func (a *agent) send(msg *message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.out.Encode(msg)
}
