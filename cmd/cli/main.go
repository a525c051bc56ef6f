package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/resilience"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "health-check":
		runHealthCheck()
	case "check-collector":
		runCollectorChecks()
	case "check-backends":
		runBackendChecks()
	case "check-storage":
		runStorageChecks()
	case "check-resilience":
		runResilienceStatus()
	case "reset-breaker":
		runResetBreaker()
	case "version":
		printVersion()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("OtelGuard CLI - Resilient health checks for the OpenTelemetry stack")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  otelguard-cli health-check [options]")
	fmt.Println("  otelguard-cli check-collector [options]")
	fmt.Println("  otelguard-cli check-backends [options]")
	fmt.Println("  otelguard-cli check-storage [options]")
	fmt.Println("  otelguard-cli check-resilience [options]")
	fmt.Println("  otelguard-cli reset-breaker <service> [options]")
	fmt.Println("  otelguard-cli version")
	fmt.Println("  otelguard-cli help")
	fmt.Println()
	fmt.Println("Check Options:")
	fmt.Println("  --timeout=DURATION         Overall check timeout (default: 30s)")
	fmt.Println("  --json                     Emit raw JSON instead of formatted output")
	fmt.Println("  --verbose                  Enable verbose output")
	fmt.Println()
	fmt.Println("API Options (check-resilience, reset-breaker):")
	fmt.Println("  --api-url=URL              OtelGuard API URL (default: http://localhost:8080)")
	fmt.Println("  --api-token=TOKEN          Bearer token for protected endpoints")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  OTELGUARD_API_URL          API URL")
	fmt.Println("  OTELGUARD_API_TOKEN        API token")
	fmt.Println("  COLLECTOR_HOST             Collector host (default: localhost)")
	fmt.Println("  BACKEND_ELASTIC_URL        Elastic APM server URL")
	fmt.Println("  BACKEND_LOKI_URL           Loki base URL")
	fmt.Println("  BACKEND_INFLUXDB_URL       InfluxDB base URL")
	fmt.Println("  BACKEND_GRAFANA_URL        Grafana base URL")
	fmt.Println("  REDIS_HOST                 Redis host")
	fmt.Println("  METADATA_DB_HOST           Grafana metadata database host")
}

func printVersion() {
	fmt.Println("OtelGuard CLI v1.0.0")
}

type CheckOptions struct {
	APIUrl   string
	APIToken string
	Timeout  time.Duration
	JSON     bool
	Verbose  bool
}

func parseCheckOptions() *CheckOptions {
	options := &CheckOptions{
		APIUrl:   getEnvOrDefault("OTELGUARD_API_URL", "http://localhost:8080"),
		APIToken: os.Getenv("OTELGUARD_API_TOKEN"),
		Timeout:  30 * time.Second,
	}

	// Parse command line arguments
	for _, arg := range os.Args[2:] {
		if strings.HasPrefix(arg, "--api-url=") {
			options.APIUrl = strings.TrimPrefix(arg, "--api-url=")
		} else if strings.HasPrefix(arg, "--api-token=") {
			options.APIToken = strings.TrimPrefix(arg, "--api-token=")
		} else if strings.HasPrefix(arg, "--timeout=") {
			timeout, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				log.Fatalf("Invalid timeout: %v", err)
			}
			options.Timeout = timeout
		} else if arg == "--json" {
			options.JSON = true
		} else if arg == "--verbose" {
			options.Verbose = true
		}
	}

	return options
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// buildEnvironment loads configuration and constructs the pieces every local
// check needs. The registry is process-local, so circuit state shown by
// health-check reflects only the probes run in this invocation.
func buildEnvironment(options *CheckOptions) (*config.Config, *resilience.Registry, *logging.Logger) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level := "error"
	if options.Verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:       level,
		Format:      "text",
		Output:      "stderr",
		ServiceName: "otelguard-cli",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	registry := resilience.NewRegistry(resilience.RegistryConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.Resilience.MaxAttempts,
			BaseDelay:         cfg.Resilience.BaseDelay,
			MaxDelay:          cfg.Resilience.MaxDelay,
			BackoffMultiplier: cfg.Resilience.BackoffMultiplier,
			Jitter:            cfg.Resilience.Jitter,
		},
		FailFastOnOpen: cfg.Resilience.FailFastOnOpen,
		OnRetry: func(service string, attempt int, err error, delay time.Duration) {
			if options.Verbose {
				fmt.Printf("   🔁 retrying %s (attempt %d) in %s: %v\n", service, attempt, delay.Round(time.Millisecond), err)
			}
		},
	})

	return cfg, registry, logger
}

func runHealthCheck() {
	options := parseCheckOptions()
	cfg, registry, logger := buildEnvironment(options)

	ctx, cancel := context.WithTimeout(context.Background(), options.Timeout)
	defer cancel()

	if !options.JSON {
		fmt.Println("🏥 OtelGuard full health check")
		fmt.Println()
		fmt.Println("📡 Checking OpenTelemetry Collector...")
	}

	collectorChecker := collector.NewChecker(&cfg.Collector, registry, logger, nil)
	report := collectorChecker.RunFull(ctx)

	backendChecker := backends.NewChecker(&cfg.Backends, registry, nil, logger, nil)
	if !options.JSON {
		printCollectorReport(report)
		fmt.Println()
		fmt.Println("🔭 Checking backend services...")
	}
	backendResults := backendChecker.CheckAll(ctx)

	storageChecker := storage.NewChecker(registry, &cfg.Redis, &cfg.Metadata, logger, nil)
	if !options.JSON {
		printBackendResults(backendResults)
		printRecommendations(backends.Recommendations(backendResults))
		fmt.Println()
		fmt.Println("🗄️  Checking storage services...")
	}
	storageResults := storageChecker.CheckAll(ctx)

	allHealthy, anyFailed := summarizeBackends(backendResults)
	healthy := report.Healthy && allHealthy
	failed := !report.Healthy || anyFailed
	for _, result := range storageResults {
		if !result.Healthy {
			healthy = false
			failed = true
		}
	}

	if options.JSON {
		printJSON(map[string]interface{}{
			"healthy":   healthy,
			"collector": report,
			"backends":  backendResults,
			"storage":   storageResults,
			"circuits":  registry.GetAllStatuses(),
		})
		if failed {
			os.Exit(1)
		}
		return
	}

	printStorageResults(storageResults)
	printLocalCircuits(registry)

	fmt.Println()
	switch {
	case failed:
		fmt.Println("❌ Problems detected, see details above")
		os.Exit(1)
	case !healthy:
		fmt.Println("⚠️  Operational with warnings")
	default:
		fmt.Println("✅ All systems operational")
	}
}

func runCollectorChecks() {
	options := parseCheckOptions()
	cfg, registry, logger := buildEnvironment(options)

	ctx, cancel := context.WithTimeout(context.Background(), options.Timeout)
	defer cancel()

	checker := collector.NewChecker(&cfg.Collector, registry, logger, nil)

	if !options.JSON {
		fmt.Println("📡 Checking OpenTelemetry Collector...")
	}
	report := checker.RunFull(ctx)

	if options.JSON {
		printJSON(report)
	} else {
		printCollectorReport(report)
	}
	if !report.Healthy {
		os.Exit(1)
	}
}

func runBackendChecks() {
	options := parseCheckOptions()
	cfg, registry, logger := buildEnvironment(options)

	ctx, cancel := context.WithTimeout(context.Background(), options.Timeout)
	defer cancel()

	checker := backends.NewChecker(&cfg.Backends, registry, nil, logger, nil)

	if !options.JSON {
		fmt.Println("🔭 Checking backend services...")
	}
	results := checker.CheckAll(ctx)

	if options.JSON {
		printJSON(results)
	} else {
		printBackendResults(results)
		printRecommendations(backends.Recommendations(results))
	}
	if _, anyFailed := summarizeBackends(results); anyFailed {
		os.Exit(1)
	}
}

func runStorageChecks() {
	options := parseCheckOptions()
	cfg, registry, logger := buildEnvironment(options)

	ctx, cancel := context.WithTimeout(context.Background(), options.Timeout)
	defer cancel()

	checker := storage.NewChecker(registry, &cfg.Redis, &cfg.Metadata, logger, nil)

	if !options.JSON {
		fmt.Println("🗄️  Checking storage services...")
	}
	results := checker.CheckAll(ctx)

	if options.JSON {
		printJSON(results)
	} else {
		printStorageResults(results)
	}
	for _, result := range results {
		if !result.Healthy {
			os.Exit(1)
		}
	}
}

// circuitStatus mirrors the wire shape of a registry status. The server
// serializes states as strings, so the CLI decodes them as strings.
type circuitStatus struct {
	Service      string    `json:"service"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure"`
}

func runResilienceStatus() {
	options := parseCheckOptions()

	if !options.JSON {
		fmt.Println("🛡️  Checking resilience status...")
	}

	envelope, statusCode, err := apiRequest(options, http.MethodGet, "/api/v1/resilience")
	if err != nil {
		log.Fatalf("Failed to reach OtelGuard API at %s: %v", options.APIUrl, err)
	}
	if statusCode != http.StatusOK {
		log.Fatalf("OtelGuard API returned %d: %s", statusCode, envelope.errorMessage())
	}

	var payload struct {
		Circuits map[string]circuitStatus `json:"circuits"`
	}
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		log.Fatalf("Failed to decode circuit statuses: %v", err)
	}

	if options.JSON {
		printJSON(payload.Circuits)
		return
	}

	if len(payload.Circuits) == 0 {
		fmt.Println("ℹ️  No services being monitored for resilience")
		return
	}

	fmt.Println()
	fmt.Println("📊 Resilience Status:")
	for _, name := range sortedKeys(payload.Circuits) {
		status := payload.Circuits[name]
		fmt.Printf("   %s %s: %s\n", stateIcon(status.State), name, status.State)
		if status.FailureCount > 0 {
			fmt.Printf("      Failures: %d\n", status.FailureCount)
		}
	}

	fmt.Println()
	fmt.Println("💡 To reset a circuit breaker:")
	fmt.Println("   otelguard-cli reset-breaker <service>")
}

func runResetBreaker() {
	if len(os.Args) < 3 || strings.HasPrefix(os.Args[2], "--") {
		fmt.Println("Usage: otelguard-cli reset-breaker <service> [options]")
		os.Exit(1)
	}
	service := os.Args[2]
	options := parseCheckOptions()

	fmt.Printf("🔄 Resetting circuit breaker for %s...\n", service)

	envelope, statusCode, err := apiRequest(options, http.MethodPost, "/api/v1/resilience/"+service+"/reset")
	if err != nil {
		log.Fatalf("Failed to reach OtelGuard API at %s: %v", options.APIUrl, err)
	}

	switch statusCode {
	case http.StatusOK:
		var status circuitStatus
		if err := json.Unmarshal(envelope.Data, &status); err != nil {
			log.Fatalf("Failed to decode circuit status: %v", err)
		}
		fmt.Printf("✅ %s is now %s\n", service, status.State)
	case http.StatusNotFound:
		fmt.Printf("ℹ️  No circuit breaker registered for %s\n", service)
		os.Exit(1)
	case http.StatusUnauthorized:
		fmt.Println("❌ Unauthorized, set OTELGUARD_API_TOKEN or pass --api-token")
		os.Exit(1)
	default:
		log.Fatalf("OtelGuard API returned %d: %s", statusCode, envelope.errorMessage())
	}
}

// apiEnvelope is the client-side view of the API response envelope.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *apiEnvelope) errorMessage() string {
	if e != nil && e.Error != nil {
		return e.Error.Message
	}
	return "unknown error"
}

func apiRequest(options *CheckOptions, method, path string) (*apiEnvelope, int, error) {
	req, err := http.NewRequest(method, strings.TrimRight(options.APIUrl, "/")+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if options.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+options.APIToken)
	}

	client := &http.Client{Timeout: options.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return &envelope, resp.StatusCode, nil
}

func printCollectorReport(report collector.Report) {
	for _, check := range report.Checks {
		icon := "✅"
		if !check.Healthy {
			icon = "❌"
			if !check.Critical {
				icon = "⚠️ "
			}
		}
		fmt.Printf("   %s %s (%s)\n", icon, check.Name, check.Duration.Round(time.Millisecond))
		if check.Detail != "" {
			fmt.Printf("      %s\n", check.Detail)
		}
		if check.Error != "" {
			fmt.Printf("      %s\n", check.Error)
		}
	}
	for _, warning := range report.Warnings {
		fmt.Printf("   ⚠️  %s\n", warning)
	}
}

func printBackendResults(results map[string]backends.ProbeResult) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "   BACKEND\tSTATUS\tLATENCY\tDETAIL")
	for _, name := range sortedKeys(results) {
		result := results[name]
		detail := result.Detail
		if result.Error != "" {
			detail = result.Error
		}
		fmt.Fprintf(writer, "   %s\t%s %s\t%s\t%s\n",
			name, statusIcon(result.Status), result.Status, result.Duration.Round(time.Millisecond), detail)
	}
	writer.Flush()
}

func printStorageResults(results map[string]storage.ProbeResult) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "   TARGET\tSTATUS\tLATENCY\tDETAIL")
	for _, name := range sortedKeys(results) {
		result := results[name]
		status := "✅ healthy"
		detail := ""
		if !result.Healthy {
			status = "❌ unhealthy"
			detail = result.Error
		}
		fmt.Fprintf(writer, "   %s\t%s\t%s\t%s\n",
			name, status, result.Duration.Round(time.Millisecond), detail)
	}
	writer.Flush()
}

func printRecommendations(recommendations []string) {
	if len(recommendations) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("💡 Recommendations:")
	for _, recommendation := range recommendations {
		fmt.Printf("   • %s\n", recommendation)
	}
}

func printLocalCircuits(registry *resilience.Registry) {
	statuses := registry.GetAllStatuses()
	if len(statuses) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("📊 Circuit breakers:")
	for _, name := range sortedKeys(statuses) {
		status := statuses[name]
		fmt.Printf("   %s %s: %s\n", stateIcon(status.State.String()), name, status.State)
		if status.FailureCount > 0 {
			fmt.Printf("      Failures: %d\n", status.FailureCount)
		}
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal output: %v", err)
	}
	fmt.Println(string(data))
}

func statusIcon(status backends.ProbeStatus) string {
	switch status {
	case backends.StatusHealthy:
		return "✅"
	case backends.StatusWarning:
		return "⚠️ "
	default:
		return "❌"
	}
}

func stateIcon(state string) string {
	switch state {
	case "closed":
		return "✅"
	case "half_open":
		return "⚠️ "
	default:
		return "❌"
	}
}

func summarizeBackends(results map[string]backends.ProbeResult) (allHealthy, anyFailed bool) {
	allHealthy = true
	for _, result := range results {
		if result.Status != backends.StatusHealthy {
			allHealthy = false
		}
		if result.Status == backends.StatusUnhealthy || result.Status == backends.StatusError {
			anyFailed = true
		}
	}
	return allHealthy, anyFailed
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
