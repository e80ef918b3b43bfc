// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the sheetguard demo: a flaky in-memory sheet behind the
// full resilience stack. It seeds a few rows, fires concurrent reaction
// toggles at one of them, bulk-reads the range under a time budget, and
// upserts a couple of identities — printing what the layer guaranteed along
// the way. Select real backends (Redis lock store, Postgres identities) via
// flags to exercise the production adapters.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"sheetguard"
	"sheetguard/internal/sheet/bulk"
	"sheetguard/internal/sheet/identity"
	"sheetguard/internal/sheet/lock"
	"sheetguard/internal/sheet/mutate"
	"sheetguard/internal/sheet/store"
	"sheetguard/internal/sheet/telemetry"
)

func main() {
	actors := flag.Int("actors", 10, "Concurrent actors toggling the same row")
	rows := flag.Int("rows", 1000, "Rows to seed for the bulk read")
	budget := flag.Duration("read_budget", 5*time.Second, "Bulk read time budget; expiry yields a flagged partial result")
	rateLimitEvery := flag.Int("rate_limit_every", 7, "Simulated store fails every Nth call with a rate-limit error (0 disables)")
	latency := flag.Duration("store_latency", 5*time.Millisecond, "Simulated per-call store latency")
	lockBackend := flag.String("lock_backend", "memory", "Lock store backend: memory | redis")
	redisAddr := flag.String("redis_addr", "127.0.0.1:6379", "Redis address for the lock store and identity cache")
	identityBackend := flag.String("identity_backend", "memory", "Identity store backend: memory | postgres")
	postgresDSN := flag.String("postgres_dsn", "", "Postgres DSN for the identity store (identity_backend=postgres)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address and keep running")
	flag.Parse()

	// 1. Lock store.
	var lockStore lock.Store
	switch *lockBackend {
	case "memory":
		lockStore = lock.NewMemoryStore(nil)
	case "redis":
		lockStore = lock.NewRedisStore(lock.NewGoRedisCommander(*redisAddr))
	default:
		log.Fatalf("unknown lock backend: %s", *lockBackend)
	}
	locker := lock.NewLocker(lockStore, lock.Options{})

	// 2. Shared breakers + executor, with metrics wired in.
	breakers := sheetguard.NewBreakerSet(sheetguard.BreakerSetOptions{
		FailureThreshold: 5,
		OpenFor:          10 * time.Second,
		OnStateChange:    func(class string, s sheetguard.State) { telemetry.RecordBreakerTransition(class, s.String()) },
	})
	exec := sheetguard.NewExecutor(breakers, sheetguard.ExecutorOptions{
		Backoff:          sheetguard.Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second},
		RateLimitBackoff: sheetguard.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		OnAttempt:        telemetry.RecordAttempt,
	})

	// 3. The flaky sheet.
	reactionCols := []string{"LIKE", "LOVE", "IDEA"}
	sheet := store.NewFlaky(append(store.Header{"EMAIL", "NOTE", "HIGHLIGHT"}, reactionCols...))
	sheet.RateLimitEvery = *rateLimitEvery
	sheet.Latency = *latency
	for i := 2; i < 2+*rows; i++ {
		sheet.Seed(i, map[string]string{"NOTE": "row " + strconv.Itoa(i)})
	}

	toggler := mutate.NewToggler(sheet, locker, exec, mutate.Options{
		ReactionColumns: reactionCols,
		HighlightColumn: "HIGHLIGHT",
	})
	reader := bulk.NewReader(sheet, exec, bulk.Options{})

	// 4. Identity store.
	var ids identity.Store
	switch *identityBackend {
	case "memory":
		ids = identity.NewMemoryStore()
	case "postgres":
		db, err := sql.Open("postgres", *postgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer db.Close()
		ids = identity.NewPostgresStore(db)
	default:
		log.Fatalf("unknown identity backend: %s", *identityBackend)
	}
	var cache identity.Cache
	if *lockBackend == "redis" {
		cache = identity.NewRedisCache(*redisAddr, "identity")
	}
	upserter := identity.NewUpserter(ids, locker, exec, identity.UpserterOptions{Cache: cache})

	ctx := context.Background()

	// --- Scenario 1: concurrent toggles on one row ---
	const targetRow = 2
	fmt.Printf("Toggling LIKE on row %d from %d concurrent actors...\n", targetRow, *actors)
	var wg sync.WaitGroup
	var mu sync.Mutex
	busy := 0
	for i := 0; i < *actors; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			for {
				_, err := toggler.ToggleReaction(ctx, "demo-doc", targetRow, "LIKE", actor)
				if err == nil {
					return
				}
				if !errors.Is(err, mutate.ErrBusy) {
					log.Fatalf("toggle: %v", err)
				}
				// Busy is the expected contention signal; back off and retry
				// the way a browser client would.
				mu.Lock()
				busy++
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
			}
		}(fmt.Sprintf("actor-%02d", i))
	}
	wg.Wait()

	final, err := sheet.ReadRow(ctx, "demo-doc", targetRow)
	if err != nil {
		log.Fatalf("read final row: %v", err)
	}
	fmt.Printf("  LIKE cell: %q (busy rejections along the way: %d)\n", final.Cells["LIKE"], busy)

	// --- Scenario 2: bulk read under a time budget ---
	fmt.Printf("Bulk reading %d rows with a %v budget...\n", *rows, *budget)
	read, truncated, err := reader.ReadAll(ctx, "demo-doc", 2, *rows, *budget)
	if err != nil {
		log.Fatalf("bulk read: %v", err)
	}
	fmt.Printf("  got %d rows, truncated=%v\n", len(read), truncated)

	// --- Scenario 3: identity double-submit ---
	fmt.Println("Upserting the same identity twice, concurrently...")
	results := make([]identity.UpsertResult, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := upserter.Upsert(ctx, "  Ada.Lovelace@Example.COM ", map[string]string{"name": "Ada"})
			if err != nil {
				log.Printf("upsert: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	fmt.Printf("  ids: %s / %s (must match)\n", results[0].ID, results[1].ID)

	if *metricsAddr == "" {
		return
	}

	// Keep serving /metrics until interrupted.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		fmt.Printf("Serving Prometheus metrics on %s\n", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Fatalf("metrics server shutdown failed: %v", err)
	}
}
