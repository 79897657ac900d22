// The auditor tails the auction event stream and mirrors the latest state
// of every request into Redis, where dashboards and support tooling read
// it without touching the primary store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fare-auction/internal/models"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditor_events_consumed_total",
		Help: "Total auction events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditor_events_invalid_total",
		Help: "Total invalid events received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditor_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditor_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "auction-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "fare-auction-auditor"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	mirror := &redisMirror{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("auditor listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down auditor")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		eventsConsumed.Inc()

		var ev models.AuctionEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RequestID == "" {
			eventsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := mirrorWithRetry(ctx, mirror, &ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis mirror failed for request=%s: %v", ev.RequestID, err)
			continue
		}
		redisUpdates.Inc()
	}
}

// StateMirror is the small subset of redis operations we need for tests
// and production.
type StateMirror interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisMirror struct{ c *redis.Client }

func (r *redisMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisMirror) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.c.Expire(ctx, key, ttl).Result()
	return err
}

func requestKey(id string) string { return "auction:request:" + id }

// mirrorWithRetry writes the event's view of the request into redis with
// retry/backoff, and lets terminal requests expire out after a day.
func mirrorWithRetry(ctx context.Context, mirror StateMirror, ev *models.AuctionEvent, attempts int, delay time.Duration) error {
	fields := map[string]interface{}{
		"status":     string(ev.Status),
		"rider_id":   ev.RiderID,
		"last_event": string(ev.Type),
		"updated_at": ev.OccurredAt.Format(time.RFC3339),
	}
	if ev.DriverID != "" {
		fields["driver_id"] = ev.DriverID
	}
	if ev.FareAmount > 0 {
		fields["fare_amount"] = ev.FareAmount
	}

	key := requestKey(ev.RequestID)
	for i := 0; i < attempts; i++ {
		if err := mirror.HSet(ctx, key, fields); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if ev.Status.Terminal() {
			if err := mirror.Expire(ctx, key, 24*time.Hour); err != nil {
				if i == attempts-1 {
					return err
				}
				time.Sleep(delay)
				delay *= 2
				continue
			}
		}
		return nil
	}
	return nil
}
