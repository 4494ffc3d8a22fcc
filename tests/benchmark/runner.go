// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	SucceededTasks  int     `json:"succeeded_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// workerLoad matches the load block of /status
type workerLoad struct {
	Load struct {
		Running        int `json:"running"`
		EffectiveLimit int `json:"effective_limit"`
	} `json:"load"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (burst, priority, steps)")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	count := flag.Int("count", 50, "Number of tasks to submit")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[burst|priority|steps]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s >> AGENTWORKER BENCHMARK SUITE: %s <<%s\n", colorCyan, colorBold, *suite, colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	// Inject the task burst through the API.
	submitted := 0
	for i := 0; i < *count; i++ {
		if err := submitTask(base, *suite, i); err != nil {
			fmt.Printf("%s[ERR]%s submit %d: %v\n", colorRed, colorReset, i, err)
			continue
		}
		submitted++
	}
	fmt.Printf("%s[OK]%s %d tasks submitted.\n\n", colorGreen, colorReset, submitted)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s %-12s%s\n", colorGray+colorBold, "ELAPSED", "SUCCEEDED", "FAILED", "RUNNING", "QUEUED", "MAX-CONC", colorReset)
	fmt.Println(colorGray + "----------------------------------------------------------------------" + colorReset)

	maxConcurrent := 0
	ceilingViolated := false

	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		if load, lerr := getLoad(base); lerr == nil {
			if load.Load.Running > maxConcurrent {
				maxConcurrent = load.Load.Running
			}
			if load.Load.Running > load.Load.EffectiveLimit {
				ceilingViolated = true
			}
		}

		deltaSucceeded := stats.SucceededTasks - initialStats.SucceededTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d %-12d",
			elapsed,
			colorGreen, deltaSucceeded, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.QueuedTasks,
			maxConcurrent,
		)

		if stats.RunningTasks == 0 && stats.QueuedTasks == 0 && deltaSucceeded+deltaFailed >= submitted {
			fmt.Printf("\n%s----------------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime), maxConcurrent, ceilingViolated)
			break
		}
	}
}

// submitTask posts one task shaped by the suite.
func submitTask(base, suite string, i int) error {
	var body map[string]any
	switch suite {
	case "priority":
		body = map[string]any{
			"description": fmt.Sprintf("priority probe %d", i),
			"priority":    rand.Intn(10),
			"steps": []map[string]any{
				{"tool": "echo", "parameters": map[string]any{"text": fmt.Sprintf("p%d", i)}},
			},
		}
	case "steps":
		body = map[string]any{
			"description": fmt.Sprintf("multi-step probe %d", i),
			"priority":    5,
			"steps": []map[string]any{
				{"tool": "echo", "parameters": map[string]any{"text": "one"}},
				{"tool": "echo", "parameters": map[string]any{"text": "two"}},
				{"tool": "echo", "parameters": map[string]any{"text": "three"}},
			},
		}
	default: // burst
		body = map[string]any{
			"description": fmt.Sprintf("burst probe %d", i),
			"priority":    5,
			"steps": []map[string]any{
				{"tool": "echo", "parameters": map[string]any{"text": fmt.Sprintf("b%d", i)}},
			},
		}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		// Back off and retry once past the rate limit window.
		time.Sleep(time.Second)
		resp2, err := http.Post(base+"/tasks", "application/json", bytes.NewReader(buf))
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		resp = resp2
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func getLoad(base string) (workerLoad, error) {
	resp, err := http.Get(base + "/status")
	if err != nil {
		return workerLoad{}, err
	}
	defer resp.Body.Close()

	var load workerLoad
	if err := json.NewDecoder(resp.Body).Decode(&load); err != nil {
		return workerLoad{}, err
	}
	return load, nil
}

func printReport(final, initial GlobalStats, duration time.Duration, maxConcurrent int, ceilingViolated bool) {
	totalProcessed := (final.SucceededTasks - initial.SucceededTasks) + (final.FailedTasks - initial.FailedTasks)
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = (float64(final.SucceededTasks-initial.SucceededTasks) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))
	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f ms", final.AvgExecutionSec*1000))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))
	fmt.Printf(lineFmt+"\n", "Peak Concurrency:", fmt.Sprintf("%d", maxConcurrent))

	ceilingStr := colorGreen + "respected" + colorReset
	if ceilingViolated {
		ceilingStr = colorRed + "VIOLATED" + colorReset
	}
	fmt.Printf(colorCyan+"┃"+colorReset+"  %-22s %-34s"+colorCyan+"┃"+colorReset+"\n", "Concurrency Ceiling:", ceilingStr)

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
