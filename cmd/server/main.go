package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filetoll/internal/api"
	"filetoll/internal/blob"
	"filetoll/internal/gate"
	"filetoll/internal/logging"
	"filetoll/internal/payments"
	"filetoll/internal/store"
)

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           FileToll Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Files:     %-22d║\n", stats.TotalFiles)
	fmt.Printf("║  ├─ With Ceiling: %-22d║\n", stats.WithCeiling)
	fmt.Printf("║  ├─ With Expiry:  %-22d║\n", stats.WithExpiry)
	fmt.Printf("║  └─ Expired:      %-22d║\n", stats.ExpiredFiles)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Storage:   %-22s║\n", formatBytes(stats.TotalBytes))
	fmt.Printf("║  Downloads:       %-22d║\n", stats.TotalDownloads)
	fmt.Printf("║  Receipts:        %-22d║\n", stats.Receipts)
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestFile.IsZero() {
		fmt.Printf("║  Oldest File:     %-22s║\n", stats.OldestFile.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest File:     %-22s║\n", stats.NewestFile.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No files in database                    ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "filetoll.db", "SQLite database path")
	storagePath := flag.String("storage", "./uploads", "File storage directory")
	network := flag.String("network", "base-sepolia", "Payment network advertised in 402 terms")
	facilitatorURL := flag.String("facilitator", payments.DefaultFacilitatorURL, "x402 facilitator base URL")
	showStats := flag.Bool("stats", false, "Show database statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: mock payment verification, no CORS or rate limits")
	corsOrigins := flag.String("cors-origins", "https://filetoll.xyz", "Comma-separated list of allowed CORS origins")
	flag.Parse()

	// Initialize store
	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Show stats and exit if requested
	if *showStats {
		printStats(st)
		return
	}

	// Initialize blob storage - use S3 if configured, otherwise local filesystem
	var blobs blob.Storage
	s3Bucket := os.Getenv("S3_BUCKET")
	if s3Bucket != "" {
		s3Storage, err := blob.NewS3Storage(blob.S3Config{
			Endpoint: os.Getenv("S3_ENDPOINT"),
			KeyID:    os.Getenv("S3_KEY_ID"),
			AppKey:   os.Getenv("S3_APP_KEY"),
			Bucket:   s3Bucket,
			Prefix:   os.Getenv("S3_PREFIX"),
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize S3 storage: %v", err)
		}
		blobs = s3Storage
		logging.Internal.Printf("using S3 storage (bucket: %s)", s3Bucket)
	} else {
		fsStorage, err := blob.NewFSStorage(*storagePath)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize storage: %v", err)
		}
		blobs = fsStorage
		logging.Internal.Printf("using local filesystem storage (%s)", *storagePath)
	}

	// Initialize payment oracle - mock in dev mode, facilitator otherwise
	var oracle payments.Oracle
	if *devMode {
		oracle = payments.NewMockOracle()
		logging.Internal.Println("development mode: mock payment verification (any proof accepted)")
	} else {
		client, err := payments.NewFacilitatorClient(payments.FacilitatorConfig{
			URL:     *facilitatorURL,
			Network: *network,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to configure facilitator client: %v", err)
		}
		oracle = client
		logging.Internal.Printf("verifying payments via %s (network: %s)", *facilitatorURL, *network)
	}

	g := gate.New(st, blobs, oracle, *network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prune receipts of expired files once an hour
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := st.PruneReceipts(ctx, time.Now())
				if err != nil {
					logging.Internal.Printf("receipt prune error: %v", err)
				} else if count > 0 {
					logging.Internal.Printf("pruned %d receipts of expired files", count)
				}
			}
		}
	}()

	// Setup HTTP handler
	handler := api.NewHandler(g, st, blobs, *network)

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Apply middleware (order: Logger -> RateLimit -> Metrics -> CORS -> handler)
	var finalHandler http.Handler = mux
	finalHandler = api.CORS(corsConfig)(finalHandler)
	finalHandler = api.Metrics()(finalHandler)
	if !*devMode {
		finalHandler = api.RateLimit(api.DefaultRateLimitConfig())(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    *addr,
		Handler: finalHandler,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
