// Command tier-cache runs a small demo API behind the caching middleware.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	tiercache "github.com/tier-cache/tier-cache"
)

var (
	configFilenameFlag string
	portFlag           int
	ttlFlag            int
	redisURLFlag       string
	sqlitePathFlag     string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&ttlFlag, "ttl", 60, "Default TTL in seconds (overrides config)")
	flag.StringVar(&redisURLFlag, "redis", "", "Redis URL for the slow tier (overrides config)")
	flag.StringVar(&sqlitePathFlag, "sqlite", "", "SQLite file for the persistent tier (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cacheConfig := tiercache.Config{}
	port := portFlag

	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		cacheConfig = config.cacheConfig()
		if config.Port > 0 {
			port = config.Port
		}
	}

	if ttlFlag > 0 {
		cacheConfig.TTL = time.Duration(ttlFlag) * time.Second
	}
	if redisURLFlag != "" {
		cacheConfig.RedisURL = redisURLFlag
	}
	if sqlitePathFlag != "" {
		cacheConfig.SQLitePath = sqlitePathFlag
	}
	cacheConfig.GetUserID = func(r *http.Request) string {
		return r.Header.Get("X-User-Id")
	}
	cacheConfig.Logger = &log.Logger

	cache := tiercache.New(cacheConfig)

	router := chi.NewRouter()
	mountDemoAPI(router)
	router.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cache.Stats(r.Context()))
	})
	router.Delete("/cache/keys", func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if err := cache.Clear(r.Context(), pattern); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	log.Info().Int("port", port).Msg("Starting demo server")
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), cache.Middleware(router)); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// mountDemoAPI registers a tiny in-memory users resource to exercise the
// cache with.
func mountDemoAPI(router chi.Router) {
	var mutex sync.Mutex
	users := map[string]string{"1": "ada", "2": "grace"}

	router.Get("/users", func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		time.Sleep(200 * time.Millisecond) // pretend this is expensive
		json.NewEncoder(w).Encode(users)
	})
	router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		name, ok := users[chi.URLParam(r, "id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": name})
	})
	router.Put("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mutex.Lock()
		users[chi.URLParam(r, "id")] = body.Name
		mutex.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
}
