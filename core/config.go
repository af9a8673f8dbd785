package core

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the core's process-level configuration record. There is no
// process-wide mutable state: every Core is built from one of these, and
// multiple Cores (e.g. for two physical buses) may coexist.
type Config struct {
	TransportKind string // "socketcan" or "virtual"
	Interface     string // ifname, for TransportKind == "socketcan"
	EnableFD      bool

	ReceivePollInterval time.Duration
	RingCapacity        int
	BroadcastBuffer     int

	// DefaultTimeout (UDS P2) and DefaultP2Ext are loaded but not passed
	// to the UDS clients RegisterIsoTp builds; a Request that leaves its
	// own Timeout/P2Ext unset gets uds.DefaultTimeout/uds.DefaultP2Ext.
	DefaultTimeout time.Duration
	DefaultP2Ext   time.Duration
	DefaultNCr     time.Duration
	DefaultNBs     time.Duration
	DefaultSTmin   time.Duration
	DefaultBS      byte
	DefaultPadding byte
	EndpointInbox  int
	RequestQueue   int

	TesterPresentInterval time.Duration

	LogDir    string
	LogPrefix string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		TransportKind:         "virtual",
		Interface:             "can0",
		ReceivePollInterval:   100 * time.Millisecond,
		RingCapacity:          10000,
		BroadcastBuffer:       256,
		DefaultTimeout:        1000 * time.Millisecond,
		DefaultP2Ext:          5000 * time.Millisecond,
		DefaultNCr:            1000 * time.Millisecond,
		DefaultNBs:            1000 * time.Millisecond,
		DefaultSTmin:          0,
		DefaultBS:             0,
		DefaultPadding:        0xCC,
		EndpointInbox:         64,
		RequestQueue:          32,
		TesterPresentInterval: 2 * time.Second,
		LogDir:                ".",
		LogPrefix:             "canscope_",
	}
}

// LoadConfig reads a plain KEY=VALUE file (one assignment per line, "#"
// starts a comment, blank lines ignored) and applies any keys it finds
// onto DefaultConfig. No third-party config format shows up anywhere in
// the retrieved corpus, so this follows the ambient .env-style convention
// instead of adopting one.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("core: loading config %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return cfg, fmt.Errorf("core: %s:%d: expected KEY=VALUE", path, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := cfg.apply(key, value); err != nil {
			return cfg, fmt.Errorf("core: %s:%d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("core: reading %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) apply(key, value string) error {
	switch key {
	case "TRANSPORT_KIND":
		cfg.TransportKind = value
	case "INTERFACE":
		cfg.Interface = value
	case "ENABLE_FD":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		cfg.EnableFD = b
	case "RECEIVE_POLL_INTERVAL_MS":
		return assignMillis(&cfg.ReceivePollInterval, value)
	case "RING_CAPACITY":
		return assignInt(&cfg.RingCapacity, value)
	case "BROADCAST_BUFFER":
		return assignInt(&cfg.BroadcastBuffer, value)
	case "DEFAULT_TIMEOUT_MS":
		return assignMillis(&cfg.DefaultTimeout, value)
	case "DEFAULT_P2_EXT_MS":
		return assignMillis(&cfg.DefaultP2Ext, value)
	case "DEFAULT_N_CR_MS":
		return assignMillis(&cfg.DefaultNCr, value)
	case "DEFAULT_N_BS_MS":
		return assignMillis(&cfg.DefaultNBs, value)
	case "DEFAULT_STMIN_MS":
		return assignMillis(&cfg.DefaultSTmin, value)
	case "DEFAULT_BS":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		cfg.DefaultBS = byte(n)
	case "DEFAULT_PADDING":
		n, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return err
		}
		cfg.DefaultPadding = byte(n)
	case "ENDPOINT_INBOX":
		return assignInt(&cfg.EndpointInbox, value)
	case "REQUEST_QUEUE":
		return assignInt(&cfg.RequestQueue, value)
	case "TESTER_PRESENT_INTERVAL_MS":
		return assignMillis(&cfg.TesterPresentInterval, value)
	case "LOG_DIR":
		cfg.LogDir = value
	case "LOG_PREFIX":
		cfg.LogPrefix = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func assignInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func assignMillis(dst *time.Duration, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
