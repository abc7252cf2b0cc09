// bunroom-bench drives a node's client WebSocket link with synthetic rooms
// and chat traffic, measuring the propose-to-fanout latency a real client
// would observe.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	URL         string
	Concurrency int
	TotalOps    int
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Client WebSocket URL")
	concurrency := flag.Int("c", 10, "Number of concurrent rooms")
	ops := flag.Int("n", 1000, "Total number of chat operations")
	flag.Parse()

	cfg := Config{URL: *url, Concurrency: *concurrency, TotalOps: *ops}

	fmt.Printf("🔥 Starting Bunroom Bench\n")
	fmt.Printf("   Server: %s\n   Rooms: %d\n   Total Ops: %d\n",
		cfg.URL, cfg.Concurrency, cfg.TotalOps)

	runBenchmark(cfg)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(conn *websocket.Conn, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame{Type: msgType, Payload: raw})
}

// awaitFrame reads frames until one of the wanted type arrives.
func awaitFrame(conn *websocket.Conn, wantType string) (frame, error) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return frame{}, err
		}
		if f.Type == wantType {
			return f, nil
		}
		if f.Type == "ERROR" {
			return frame{}, fmt.Errorf("server error: %s", f.Payload)
		}
	}
}

func runBenchmark(cfg Config) {
	start := time.Now()

	var wg sync.WaitGroup
	opsPerWorker := cfg.TotalOps / cfg.Concurrency

	latencies := make(chan time.Duration, cfg.TotalOps)
	errors := make(chan error, cfg.TotalOps)

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
			if err != nil {
				log.Printf("Worker %d failed to connect: %v", id, err)
				return
			}
			defer conn.Close()

			if _, err := awaitFrame(conn, "CONNECTED"); err != nil {
				errors <- err
				return
			}

			userID := fmt.Sprintf("bench-user-%d", id)
			if err := send(conn, "ROOM_CREATE", map[string]string{
				"userId":   userID,
				"username": fmt.Sprintf("Bench %d", id),
			}); err != nil {
				errors <- err
				return
			}
			created, err := awaitFrame(conn, "ROOM_CREATED")
			if err != nil {
				errors <- err
				return
			}
			var room struct {
				RoomCode string `json:"roomCode"`
			}
			if err := json.Unmarshal(created.Payload, &room); err != nil {
				errors <- err
				return
			}

			for j := 0; j < opsPerWorker; j++ {
				opStart := time.Now()
				err := send(conn, "CHAT_MESSAGE", map[string]interface{}{
					"roomCode":    room.RoomCode,
					"userId":      userID,
					"username":    fmt.Sprintf("Bench %d", id),
					"messageText": fmt.Sprintf("msg %d from worker %d", j, id),
					"timestamp":   time.Now().UnixMilli(),
				})
				if err != nil {
					errors <- err
					continue
				}
				if _, err := awaitFrame(conn, "ROOM_STATE_UPDATE"); err != nil {
					errors <- err
					continue
				}
				latencies <- time.Since(opStart)
			}
		}(i)
	}

	wg.Wait()
	close(latencies)
	close(errors)

	duration := time.Since(start)

	var totalLatency time.Duration
	var latList []float64
	var errCount int

	for l := range latencies {
		totalLatency += l
		latList = append(latList, float64(l.Microseconds())/1000.0) // ms
	}
	for err := range errors {
		errCount++
		if errCount <= 5 {
			fmt.Printf("Error Sample: %v\n", err)
		}
	}

	opsCount := len(latList)
	if opsCount == 0 {
		fmt.Println("No operations completed.")
		return
	}
	throughput := float64(opsCount) / duration.Seconds()
	avgLatency := float64(totalLatency.Milliseconds()) / float64(opsCount)

	sort.Float64s(latList)
	p50 := latList[int(float64(len(latList))*0.50)]
	p99 := latList[int(float64(len(latList))*0.99)]

	fmt.Println("\n📊 Results:")
	fmt.Printf("   Duration:   %v\n", duration)
	fmt.Printf("   Throughput: %.2f ops/sec\n", throughput)
	fmt.Printf("   Avg Latency: %.2f ms\n", avgLatency)
	fmt.Printf("   P50 Latency: %.2f ms\n", p50)
	fmt.Printf("   P99 Latency: %.2f ms\n", p99)
	fmt.Printf("   Errors:     %d (%.2f%%)\n", errCount, float64(errCount)/float64(cfg.TotalOps)*100)
}
