package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

const stateFile = "agent.json"

// agentState is persisted to dataDir/agent.json after successful registration
// and updated when credentials rotate. Prev* keep the superseded credential
// until a handshake with the new one succeeds, covering the window where the
// gateway has not yet committed the rotation.
type agentState struct {
	ServerURL     string `json:"server_url"`
	ServerID      string `json:"server_id"`
	KeyPrefix     string `json:"key_prefix"`
	Secret        string `json:"secret"`
	PrevKeyPrefix string `json:"prev_key_prefix,omitempty"`
	PrevSecret    string `json:"prev_secret,omitempty"`
}

// loadState reads the persisted state. Returns nil if not yet registered.
func loadState(dataDir string) *agentState {
	data, err := os.ReadFile(filepath.Join(dataDir, stateFile))
	if err != nil {
		return nil
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

func saveState(dataDir string, s *agentState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, stateFile), data, 0o600)
}

// register performs the one-time enrollment handshake with an admin-issued
// registration token. The returned secret is the only copy the agent will
// ever receive.
func register(serverURL, token, name, dataDir string) (*agentState, error) {
	body := map[string]any{
		"token": token,
		"name":  name,
	}

	payload, _ := json.Marshal(body)
	resp, err := http.Post(serverURL+"/api/v1/servers/register", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("registration failed (HTTP %d): %s", resp.StatusCode, errResp["error"])
	}

	var result struct {
		ServerID  string `json:"server_id"`
		KeyPrefix string `json:"key_prefix"`
		Secret    string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}

	state := &agentState{
		ServerURL: serverURL,
		ServerID:  result.ServerID,
		KeyPrefix: result.KeyPrefix,
		Secret:    result.Secret,
	}
	if err := saveState(dataDir, state); err != nil {
		return nil, fmt.Errorf("save agent state: %w", err)
	}
	return state, nil
}
