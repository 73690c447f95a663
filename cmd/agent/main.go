package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	serverURL := flag.String("server", "http://localhost:9440", "Warden Server URL")
	doRegister := flag.Bool("register", false, "Register this agent with a new token")
	token := flag.String("token", "", "Registration token (with --register)")
	name := flag.String("name", "", "Agent name (defaults to hostname)")
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for agent state")
	heartbeat := flag.Int("heartbeat", 30, "Heartbeat interval in seconds")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden-agent v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 Warden Agent v%s starting...", version)

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatalf("❌ Could not create data dir: %v", err)
	}

	state := loadState(*dataDir)

	if *doRegister {
		if *token == "" {
			log.Fatal("❌ --register requires --token")
		}
		agentName := *name
		if agentName == "" {
			agentName, _ = os.Hostname()
		}
		var err error
		state, err = register(*serverURL, *token, agentName, *dataDir)
		if err != nil {
			log.Fatalf("❌ Registration failed: %v", err)
		}
		log.Printf("✓ Registered as %s (id=%s)", agentName, state.ServerID)
	}

	if state == nil {
		log.Fatal("❌ Not registered. Run with --register --token <token>")
	}

	// Connect loop with backoff: a lost connection is normal, a superseded
	// session or server restart just means dial again.
	backoff := time.Second
	for {
		r := newRunner(state, *dataDir, time.Duration(*heartbeat)*time.Second)
		started := time.Now()
		err := r.connectAndServe()
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		log.Printf("⚠️  Disconnected: %v (retrying in %s)", err, backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden-agent"
	}
	return home + "/.warden-agent"
}
