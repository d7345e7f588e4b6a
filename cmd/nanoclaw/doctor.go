package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"
	"github.com/mattn/go-isatty"

	"github.com/qwibitai/nanoclaw-sub014/internal/config"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // OK, WARN, FAIL, SKIP
	Message string `json:"message"`
}

type doctorReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	Results   []checkResult `json:"results"`
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	report := doctorReport{
		Timestamp: time.Now(),
		Version:   Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	add := func(name, status, message string) {
		report.Results = append(report.Results, checkResult{Name: name, Status: status, Message: message})
	}

	cfg, err := config.Load()
	if err != nil {
		add("config", "FAIL", err.Error())
	} else {
		add("config", "OK", fmt.Sprintf("fingerprint %s", cfg.Fingerprint()))
	}

	if err == nil {
		if werr := checkWritable(cfg.DataDir); werr != nil {
			add("data-dir", "FAIL", werr.Error())
		} else {
			add("data-dir", "OK", cfg.DataDir)
		}

		dbPath := filepath.Join(cfg.DataDir, "nanoclaw.db")
		if _, serr := os.Stat(dbPath); os.IsNotExist(serr) {
			add("database", "SKIP", "no database yet (daemon never ran)")
		} else if store, oerr := persistence.Open(dbPath, nil); oerr != nil {
			add("database", "FAIL", oerr.Error())
		} else {
			if ierr := store.IntegrityCheck(ctx); ierr != nil {
				add("database", "FAIL", ierr.Error())
			} else {
				add("database", "OK", dbPath)
			}
			_ = store.Close()
		}

		if cfg.Agent.Backend == "container" {
			checkDocker(ctx, add)
		} else {
			add("docker", "SKIP", "genkit backend configured")
			if cfg.AgentAPIKey() == "" {
				add("agent-key", "WARN", "no API key; backend falls back to canned replies")
			} else {
				add("agent-key", "OK", "API key present")
			}
		}

		if cfg.Channels.Telegram.Enabled {
			if cfg.TelegramToken() == "" {
				add("telegram", "FAIL", "enabled but no token (env or secrets file)")
			} else {
				add("telegram", "OK", "token present")
			}
		} else {
			add("telegram", "SKIP", "disabled")
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(report); eerr != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", eerr)
			return 1
		}
	} else {
		printReport(report)
	}

	for _, r := range report.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func checkDocker(ctx context.Context, add func(name, status, message string)) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		add("docker", "FAIL", err.Error())
		return
	}
	defer cli.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		add("docker", "FAIL", err.Error())
		return
	}
	add("docker", "OK", "daemon reachable")
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func printReport(report doctorReport) {
	colored := isatty.IsTerminal(os.Stdout.Fd())
	paint := func(status string) string {
		if !colored {
			return status
		}
		switch status {
		case "OK":
			return "\033[32mOK\033[0m"
		case "WARN":
			return "\033[33mWARN\033[0m"
		case "FAIL":
			return "\033[31mFAIL\033[0m"
		default:
			return status
		}
	}

	fmt.Printf("NanoClaw Doctor (%s, %s/%s)\n", report.Version, report.OS, report.Arch)
	fmt.Println("---")
	for _, r := range report.Results {
		fmt.Printf("%-10s [%s] %s\n", r.Name, paint(r.Status), r.Message)
	}
}
