// event-simulator generates realistic shopping-store events against the
// ingestion gateway. Each simulated session walks the funnel: login, a few
// product views, some cart adds, an occasional cart removal, a purchase
// roughly 70% of the time, then logout.
//
// Modes:
//   - continuous: start a session for a random user at a pace derived from
//     -events_per_minute; runs until -duration elapses or Ctrl+C
//   - load test:  -load_test=N starts N concurrent one-session users
//
// Usage examples:
//
//	event-simulator -url=http://localhost:8081/events -users=5 -events_per_minute=10
//	event-simulator -url=http://localhost:8081/events -load_test=50 -duration=2m
//
// Successes are silent; failures go to stderr and a summary prints on exit.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type product struct {
	category string
	price    float64
}

var products = map[string]product{
	"laptop":     {"electronics", 1200.0},
	"phone":      {"electronics", 800.0},
	"headphones": {"electronics", 150.0},
	"keyboard":   {"electronics", 100.0},
	"monitor":    {"electronics", 350.0},
	"shirt":      {"clothing", 40.0},
	"jeans":      {"clothing", 60.0},
	"shoes":      {"clothing", 90.0},
	"jacket":     {"clothing", 120.0},
	"book":       {"books", 25.0},
	"notebook":   {"books", 10.0},
}

var productNames = func() []string {
	names := make([]string, 0, len(products))
	for name := range products {
		names = append(names, name)
	}
	return names
}()

type shopper struct {
	userID string
	url    string
	client *http.Client
	events int64
}

func (s *shopper) send(eventType, productName string, quantity int) {
	evt := map[string]any{
		"user_id":    s.userID,
		"event_type": eventType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if productName != "" {
		p := products[productName]
		evt["product"] = productName
		evt["product_category"] = p.category
		evt["product_price"] = p.price
		evt["quantity"] = quantity
	}

	data, _ := json.Marshal(evt)
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", s.userID, eventType, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// 202 = accepted, 200 = deduplicated; both count as delivered.
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s %s: status %d\n", s.userID, eventType, resp.StatusCode)
		return
	}
	atomic.AddInt64(&s.events, 1)
}

// session walks one shopping funnel with human-ish pauses between events.
func (s *shopper) session() {
	s.send("login", "", 0)
	pause(1*time.Second, 3*time.Second)

	for i := 0; i < 3+rand.Intn(6); i++ {
		s.send("view", pick(), 0)
		pause(2*time.Second, 5*time.Second)
	}

	var cart []string
	for i := 0; i < 1+rand.Intn(4); i++ {
		p := pick()
		s.send("add_to_cart", p, 1+rand.Intn(3))
		cart = append(cart, p)
		pause(1*time.Second, 3*time.Second)
	}

	if len(cart) > 0 && rand.Float64() < 0.3 {
		i := rand.Intn(len(cart))
		s.send("remove_from_cart", cart[i], 0)
		cart = append(cart[:i], cart[i+1:]...)
		pause(1*time.Second, 2*time.Second)
	}

	// 70% conversion.
	if len(cart) > 0 && rand.Float64() < 0.7 {
		for _, p := range cart {
			s.send("purchase", p, 0)
			pause(500*time.Millisecond, time.Second)
		}
	}

	s.send("logout", "", 0)
}

func pick() string {
	return productNames[rand.Intn(len(productNames))]
}

func pause(min, max time.Duration) {
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min))))
}

func main() {
	var (
		url      = flag.String("url", "http://localhost:8081/events", "Ingestion endpoint")
		users    = flag.Int("users", 5, "Number of simulated users in continuous mode")
		perMin   = flag.Int("events_per_minute", 10, "Target events per minute in continuous mode")
		loadTest = flag.Int("load_test", 0, "Run a load test with N concurrent users instead of continuous mode")
		duration = flag.Duration("duration", 0, "Stop after this long (0 = run until Ctrl+C; load test defaults to 60s)")
	)
	flag.Parse()

	if *users <= 0 || *perMin <= 0 {
		fmt.Fprintln(os.Stderr, "-users and -events_per_minute must be > 0")
		os.Exit(2)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	// Preflight: the gateway exposes /health next to /events.
	healthURL := strings.Replace(*url, "/events", "/health", 1)
	if resp, err := client.Get(healthURL); err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach %s: %v\n", *url, err)
		fmt.Fprintln(os.Stderr, "is the ingestion gateway running?")
		os.Exit(1)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "warning: health endpoint returned %d\n", resp.StatusCode)
		}
	}

	if *loadTest > 0 {
		runLoadTest(client, *url, *loadTest, *duration)
		return
	}
	runContinuous(client, *url, *users, *perMin, *duration)
}

func runContinuous(client *http.Client, url string, users, perMin int, duration time.Duration) {
	shoppers := make([]*shopper, users)
	for i := range shoppers {
		shoppers[i] = &shopper{userID: fmt.Sprintf("user_%d", i), url: url, client: client}
	}

	fmt.Printf("Simulator: users=%d target=%d events/min endpoint=%s\n", users, perMin, url)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if duration > 0 {
		deadline = time.After(duration)
	}

	// A session produces ~12 events, so pace session starts to hit the
	// target rate.
	interval := time.Duration(float64(time.Minute) / float64(perMin) * 12)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	startSession := func() {
		s := shoppers[rand.Intn(len(shoppers))]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.session()
		}()
	}
	startSession()

loop:
	for {
		select {
		case <-ticker.C:
			startSession()
		case <-deadline:
			fmt.Println("duration reached, stopping")
			break loop
		case <-stop:
			fmt.Println("\nstopping")
			break loop
		}
	}
	wg.Wait()

	var total int64
	for _, s := range shoppers {
		n := atomic.LoadInt64(&s.events)
		total += n
		fmt.Printf("  %s: %d events\n", s.userID, n)
	}
	fmt.Printf("TOTAL: %d events\n", total)
}

func runLoadTest(client *http.Client, url string, concurrent int, duration time.Duration) {
	if duration <= 0 {
		duration = 60 * time.Second
	}
	fmt.Printf("Load test: concurrent=%d duration=%s endpoint=%s\n", concurrent, duration, url)

	start := time.Now()
	shoppers := make([]*shopper, concurrent)
	var wg sync.WaitGroup
	var active int64
	for i := range shoppers {
		shoppers[i] = &shopper{userID: fmt.Sprintf("load_test_user_%d", i), url: url, client: client}
		wg.Add(1)
		atomic.AddInt64(&active, 1)
		go func(s *shopper) {
			defer wg.Done()
			defer atomic.AddInt64(&active, -1)
			s.session()
		}(shoppers[i])
		time.Sleep(100 * time.Millisecond) // stagger starts
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	watchdog := time.After(duration + 30*time.Second)
loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			fmt.Printf("active sessions: %d/%d\n", atomic.LoadInt64(&active), concurrent)
		case <-watchdog:
			fmt.Println("watchdog expired, some sessions still running")
			break loop
		}
	}

	var total int64
	for _, s := range shoppers {
		total += atomic.LoadInt64(&s.events)
	}
	elapsed := time.Since(start)
	fmt.Printf("Load test done: events=%d duration=%s rate=%.1f events/s\n",
		total, elapsed.Truncate(time.Millisecond), float64(total)/elapsed.Seconds())
}
