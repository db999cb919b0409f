package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backend modes.
const (
	LedgerModeMemory = "memory"
	LedgerModeRemote = "remote"
)

// Config holds escrow service configuration.
type Config struct {
	ServerAddr string

	// Ledger backend: in-process contract machine or a remote ledger node.
	LedgerMode      string
	LedgerURL       string
	ConfirmAttempts int
	ConfirmDelay    time.Duration

	// Read model.
	CacheTTL          time.Duration
	BatchSize         int
	ProjectorInterval time.Duration

	// Contract parameters (memory mode only).
	TokenDecimals       uint8
	IssuanceFee         uint64
	AdminAddress        string
	ThresholdExpression string

	// Optional event sinks.
	KafkaBrokers []string
	KafkaTopic   string
	PostgresDSN  string
}

// Load reads service configuration from environment.
func Load() (*Config, error) {
	mode := strings.ToLower(getenv("LEDGER_MODE", LedgerModeMemory))
	if mode != LedgerModeMemory && mode != LedgerModeRemote {
		return nil, fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerModeMemory, LedgerModeRemote, mode)
	}
	ledgerURL := getenv("LEDGER_URL", "")
	if mode == LedgerModeRemote && ledgerURL == "" {
		return nil, fmt.Errorf("LEDGER_URL is required when LEDGER_MODE=%s", LedgerModeRemote)
	}

	decimals := parseInt(getenv("TOKEN_DECIMALS", "6"), 6)
	if decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18, got %d", decimals)
	}

	var brokers []string
	if raw := getenv("KAFKA_BROKERS", ""); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}

	return &Config{
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LedgerMode:          mode,
		LedgerURL:           ledgerURL,
		ConfirmAttempts:     parseInt(getenv("CONFIRM_ATTEMPTS", "10"), 10),
		ConfirmDelay:        parseDuration(getenv("CONFIRM_DELAY", "500ms"), 500*time.Millisecond),
		CacheTTL:            parseDuration(getenv("CACHE_TTL", "30s"), 30*time.Second),
		BatchSize:           parseInt(getenv("BATCH_SIZE", "10"), 10),
		ProjectorInterval:   parseDuration(getenv("PROJECTOR_INTERVAL", "5s"), 5*time.Second),
		TokenDecimals:       uint8(decimals),
		IssuanceFee:         parseUint(getenv("ISSUANCE_FEE", "10"), 10),
		AdminAddress:        getenv("ADMIN_ADDRESS", ""),
		ThresholdExpression: getenv("THRESHOLD_EXPRESSION", ""),
		KafkaBrokers:        brokers,
		KafkaTopic:          getenv("KAFKA_TOPIC", "pga-events"),
		PostgresDSN:         getenv("EVENT_ARCHIVE_DSN", ""),
	}, nil
}

// NodeConfig holds ledger node configuration.
type NodeConfig struct {
	ServerAddr     string
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	AdminTokenHash string

	TokenDecimals       uint8
	IssuanceFee         uint64
	AdminAddress        string
	ThresholdExpression string
}

// LoadNode reads ledger node configuration from environment.
func LoadNode() (*NodeConfig, error) {
	nodeID := getenv("NODE_ID", "")
	if nodeID == "" {
		return nil, fmt.Errorf("NODE_ID is required")
	}
	decimals := parseInt(getenv("TOKEN_DECIMALS", "6"), 6)
	if decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18, got %d", decimals)
	}
	return &NodeConfig{
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8090"),
		NodeID:              nodeID,
		RaftAddr:            getenv("RAFT_ADDR", "127.0.0.1:7000"),
		DataDir:             getenv("DATA_DIR", "./data"),
		Bootstrap:           parseBool(getenv("RAFT_BOOTSTRAP", "false"), false),
		SnapshotRetain:      parseInt(getenv("SNAPSHOT_RETAIN", "2"), 2),
		ApplyTimeout:        parseDuration(getenv("APPLY_TIMEOUT", "5s"), 5*time.Second),
		AdminTokenHash:      getenv("ADMIN_TOKEN_HASH", ""),
		TokenDecimals:       uint8(decimals),
		IssuanceFee:         parseUint(getenv("ISSUANCE_FEE", "10"), 10),
		AdminAddress:        getenv("ADMIN_ADDRESS", ""),
		ThresholdExpression: getenv("THRESHOLD_EXPRESSION", ""),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseUint(val string, def uint64) uint64 {
	if val == "" {
		return def
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
