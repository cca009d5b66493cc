// Command links-repair checks the Redis chat<->task link hashes and makes
// them mirror images again after manual edits or partial failures.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/adapter/redis"
	"github.com/pscheid92/chatbridge/internal/platform/logging"
)

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		dryRun   = flag.Bool("dry-run", false, "Report only, don't write to Redis")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rdb, err := redis.NewClient(ctx, *redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	start := time.Now()
	report, err := redis.NewLinkStore(rdb, clockwork.NewRealClock()).Repair(ctx, *dryRun)
	if err != nil {
		log.Fatalf("Repair failed: %v", err)
	}

	slog.Info("Repair summary",
		"dry_run", *dryRun,
		"chat_entries", report.ChatEntries,
		"task_entries", report.TaskEntries,
		"restored_reverse", report.RestoredReverse,
		"dropped_chat", report.DroppedChat,
		"dropped_task", report.DroppedTask,
		"duration_ms", time.Since(start).Milliseconds())
}

func sanitizeURL(url string) string {
	// Hide password in Redis URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return strings.Join(credParts[:len(credParts)-1], ":") + ":***@" + parts[1]
			}
		}
	}
	return url
}
