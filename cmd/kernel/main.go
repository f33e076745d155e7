package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miaquant/safety-kernel/internal/alerts"
	"github.com/miaquant/safety-kernel/internal/bridges"
	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/config"
	"github.com/miaquant/safety-kernel/internal/cost"
	"github.com/miaquant/safety-kernel/internal/doomsday"
	"github.com/miaquant/safety-kernel/internal/emergency"
	"github.com/miaquant/safety-kernel/internal/export"
	"github.com/miaquant/safety-kernel/internal/health"
	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
	"github.com/miaquant/safety-kernel/internal/risk"
)

// logActions executes emergency procedures by publishing them; the trading
// side consumes the resulting events. Keeping the kernel decoupled from
// order flow means a procedure here can never hang on a broker.
type logActions struct {
	cross *bus.Cross
	kvc   kv.Client
}

func (a *logActions) StopTrading(ctx context.Context, reason string) error {
	observ.Log("action_stop_trading", map[string]any{"reason": reason})
	if a.kvc != nil {
		return a.kvc.Set(ctx, kv.KeySoldierMode, "local")
	}
	return nil
}

func (a *logActions) LiquidatePositions(ctx context.Context, reason string) error {
	observ.Log("action_liquidate", map[string]any{"reason": reason})
	a.cross.Publish(bus.CrossEvent{
		Type:     bus.EventLiquidationRequired,
		Source:   bus.SubsystemEmergency,
		Target:   bus.SubsystemRiskControl,
		Priority: bus.PriorityCritical,
		Data:     map[string]any{"reason": reason},
	})
	return nil
}

func (a *logActions) Failover(ctx context.Context, component string) error {
	observ.Log("action_failover", map[string]any{"component": component})
	return nil
}

func (a *logActions) Recover(ctx context.Context, component string) error {
	observ.Log("action_recover", map[string]any{"component": component})
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to yaml config (defaults used when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	var kvc kv.Client
	if cfg.Redis.Addr != "" {
		kvc = kv.NewRedis(kv.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			OpTimeout: time.Duration(cfg.Redis.OpTimeoutMs) * time.Millisecond,
		})
	} else {
		kvc = kv.NewMemory()
		observ.Warn("kv_memory_fallback", map[string]any{"note": "no redis addr configured, state will not survive restart"})
	}
	defer kvc.Close()

	b := bus.New()
	defer b.Close()
	cross := bus.NewCross(b)

	notifier := alerts.NewWebhook(cfg.Webhook)
	defer notifier.Close()

	// Cost pipeline.
	store := cost.NewKVStore(kvc)
	ledger, err := cost.NewLedger(store, cfg.Cost.ModelPricesPer1M, cfg.Cost.DailyBudgetUSD, cfg.Cost.MonthlyBudgetUSD)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cost: %v\n", err)
		os.Exit(1)
	}
	breaker, err := cost.NewBreaker(ledger, kvc, cost.BreakerLimits{
		PerCallUSD: cfg.Cost.PerCallLimitUSD,
		DailyUSD:   cfg.Cost.DailyBudgetUSD,
		MonthlyUSD: cfg.Cost.MonthlyBudgetUSD,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cost: %v\n", err)
		os.Exit(1)
	}
	predictor, err := cost.NewPredictor(ledger, cfg.Cost.WindowDays, cfg.Cost.MonthlyBudgetUSD)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cost: %v\n", err)
		os.Exit(1)
	}

	// Emergency and doomsday.
	actions := &logActions{cross: cross, kvc: kvc}
	responder, err := emergency.NewResponder(actions, cross)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emergency: %v\n", err)
		os.Exit(1)
	}
	interlock := doomsday.New(kvc, cross, cfg.Doomsday)

	// Risk pipeline.
	assessor := risk.NewAssessor(risk.ThresholdsFromConfig(cfg.Risk), cfg.Risk.EventHistoryMax)
	matrix := risk.NewControlMatrix(risk.LimitsFromConfig(cfg.Limits))

	// Health monitoring.
	probes := []health.Probe{
		&health.KVProbe{Client: kvc, Timeout: time.Duration(cfg.Redis.PingTimeoutMs) * time.Millisecond},
		&health.TCPProbe{Ports: cfg.Health.TCPPorts, Timeout: time.Duration(cfg.Health.TCPTimeoutMs) * time.Millisecond},
		&health.DiskProbe{Path: cfg.Health.DiskPath},
		&health.MemoryProbe{},
		&health.CPUProbe{},
		&health.GPUProbe{Timeout: time.Duration(cfg.Health.GPUTimeoutMs) * time.Millisecond, Required: cfg.Health.GPURequired},
	}
	monitor := health.NewMonitor(kvc, probes,
		time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		time.Duration(cfg.Health.FundIntervalSeconds)*time.Second,
		time.Duration(cfg.Health.ShutdownTimeoutSeconds)*time.Second)
	recoverer := health.NewRecoverer(kvc)

	// Bridges glue the subsystems through the event bus.
	bridges.NewHealthBridge(monitor, recoverer, cross, notifier)
	bridges.NewCostBridge(ledger, breaker, predictor, cross, notifier)
	riskBridge := bridges.NewRiskBridge(assessor, matrix, interlock, responder, cross, notifier)
	riskBridge.BindAmbient(kvc, monitor)
	// Each fund sweep re-evaluates ambient risk, so the doomsday triggers are
	// checked even when nothing posts to /risk/evaluate.
	monitor.SetOnFund(func() { riskBridge.EvaluateAmbient(context.Background()) })

	collector := export.NewCollector(kvc, time.Duration(cfg.Metrics.CollectIntervalSeconds)*time.Second)

	if err := monitor.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "health: %v\n", err)
		os.Exit(1)
	}
	if err := collector.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}

	srv := serveHTTP(cfg.Metrics.Port, monitor, interlock, breaker, predictor, responder, cross, riskBridge)

	observ.Log("kernel_started", map[string]any{
		"metrics_port":       cfg.Metrics.Port,
		"redis":              cfg.Redis.Addr != "",
		"doomsday_triggered": interlock.Triggered(),
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	observ.Log("kernel_shutdown", map[string]any{"signal": s.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Health.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	collector.Stop()
	monitor.Stop()
}

// serveHTTP exposes the scrape endpoint plus a small operational surface.
func serveHTTP(port int, monitor *health.Monitor, interlock *doomsday.Interlock, breaker *cost.Breaker, predictor *cost.Predictor, responder *emergency.Responder, cross *bus.Cross, rb *bridges.RiskBridge) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())

	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res := monitor.LastResult()
		code := http.StatusOK
		if res.Overall == health.StatusUnhealthy || res.Overall == health.StatusCritical || interlock.Triggered() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"overall":   string(res.Overall),
			"doomsday":  interlock.Triggered(),
			"timestamp": res.Timestamp,
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"health":     monitor.GetStatus(),
			"doomsday":   interlock.Status(),
			"breaker":    breaker.Stats(),
			"prediction": predictor.PredictMonthly(),
			"emergency":  responder.Stats(),
			"bus":        cross.Stats(),
		})
	})

	// POST {"password": "..."} resets the doomsday interlock.
	mux.HandleFunc("/doomsday/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad request"})
			return
		}
		if err := interlock.Reset(r.Context(), body.Password); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	})

	// POST one risk observation; responds with the resulting overall level.
	mux.HandleFunc("/risk/evaluate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in bridges.Inputs
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad request"})
			return
		}
		level := rb.Evaluate(r.Context(), in)
		writeJSON(w, http.StatusOK, map[string]any{"overall_level": level.String()})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Error("http_serve_error", map[string]any{"error": err.Error()})
		}
	}()
	return srv
}
