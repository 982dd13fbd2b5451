package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

type executeRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// device is a tiny in-memory router: resource gauges drift each read and
// interfaces can be toggled with enable/disable.
type device struct {
	mu         sync.Mutex
	cpu        float64
	pinnedCPU  float64
	memory     float64
	disk       float64
	interfaces map[string]bool
}

func newDevice(pinnedCPU float64) *device {
	return &device{
		cpu:        20,
		pinnedCPU:  pinnedCPU,
		memory:     45,
		disk:       30,
		interfaces: map[string]bool{"ether1": true, "ether2": true},
	}
}

func (d *device) execute(req executeRequest) executeResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd := strings.TrimSpace(req.Command); {
	case cmd == "/system/resource/print":
		d.drift()
		return output([]map[string]any{{
			"cpu-load":     fmt.Sprintf("%.0f%%", d.cpu),
			"memory-usage": d.memory,
			"disk-usage":   d.disk,
			"uptime":       "3d4h12m",
		}})
	case cmd == "/system/health/print":
		return output([]map[string]any{{"voltage": 24.1, "temperature": 41}})
	case cmd == "/interface/print":
		rows := make([]map[string]any, 0, len(d.interfaces))
		for name, running := range d.interfaces {
			rows = append(rows, map[string]any{"name": name, "running": running})
		}
		return output(rows)
	case cmd == "/interface/enable" || cmd == "/interface/disable":
		name := req.Params["numbers"]
		if _, ok := d.interfaces[name]; !ok {
			return executeResponse{Error: fmt.Sprintf("no such item (%s)", name)}
		}
		d.interfaces[name] = cmd == "/interface/enable"
		return executeResponse{}
	case cmd == "/interface/monitor-traffic":
		return output([]map[string]any{{"name": req.Params["numbers"], "rx-bits-per-second": rand.IntN(1_000_000)}})
	case cmd == "/ip/dns/cache/flush":
		d.cpu = d.cpu * 0.6
		d.memory -= 5
		return executeResponse{}
	case cmd == "/export":
		return executeResponse{Output: d.export()}
	case cmd == "/ping":
		host := req.Params["address"]
		if host == "" {
			host = req.Params["numbers"]
		}
		return output([]map[string]any{{"host": host, "sent": 3, "received": 3, "time": "12ms"}})
	case strings.HasSuffix(cmd, "/print"):
		return output([]any{})
	case strings.HasSuffix(cmd, "/set"), strings.HasSuffix(cmd, "/add"), strings.HasSuffix(cmd, "/remove"):
		return executeResponse{}
	default:
		return executeResponse{Error: "bad command name " + cmd}
	}
}

func (d *device) drift() {
	if d.pinnedCPU > 0 {
		d.cpu = d.pinnedCPU
	} else {
		d.cpu = clamp(d.cpu+rand.Float64()*20-10, 1, 100)
	}
	d.memory = clamp(d.memory+rand.Float64()*4-2, 10, 99)
	d.disk = clamp(d.disk+rand.Float64()*0.2, 0, 100)
}

func (d *device) export() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s by mock-device\n", time.Now().UTC().Format("jan/02/2006 15:04:05"))
	b.WriteString("/system identity\nset name=mock-router\n/interface ethernet\n")
	for name, running := range d.interfaces {
		fmt.Fprintf(&b, "set [ find default-name=%s ] disabled=%s\n", name, yesNo(!running))
	}
	return b.String()
}

func output(v any) executeResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return executeResponse{Error: err.Error()}
	}
	return executeResponse{Output: string(data)}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	token := flag.String("token", "", "Bearer token required on /api/v1/execute")
	cpu := flag.Float64("cpu", 0, "Pin the reported CPU load (0 lets it drift)")
	flag.Parse()

	dev := newDevice(*cpu)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		if *token != "" && r.Header.Get("Authorization") != "Bearer "+*token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, dev.execute(req))
	})

	logger := log.New(log.Writer(), "device-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
