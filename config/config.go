// Package config decodes hsx.toml, the resource-budget and listener
// configuration the executive boots from. Decoding uses
// github.com/naoina/toml with struct tags as the single source of truth
// for key names, so TOML keys stay lower_snake_case while Go fields stay
// exported.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// Budgets collects the platform-tunable resource ceilings: paging-cache
// geometry, table and pool sizes, the event ring, and the async executor.
type Budgets struct {
	CodeCacheLines int `toml:"code_cache_lines"`
	CodeLineBytes  int `toml:"code_line_bytes"`
	DataTLBEntries int `toml:"data_tlb_entries"`
	MailboxSlots   int `toml:"mailbox_slots"`
	DescriptorPool int `toml:"descriptor_pool_bytes"`
	StringPool     int `toml:"string_pool_bytes"`
	EventRingSize  int `toml:"event_ring_size"`
	MaxPIDs        int `toml:"max_pids"`
	AsyncWorkers   int `toml:"async_workers"`
}

// DefaultBudgets returns the design-level defaults, scaled to the
// host-class 256-PID ceiling rather than the 16-PID micro-target (the
// executive's Go build always targets a host-class environment).
func DefaultBudgets() Budgets {
	return Budgets{
		CodeCacheLines: 2,
		CodeLineBytes:  256,
		DataTLBEntries: 4,
		MailboxSlots:   64,
		DescriptorPool: 4096,
		StringPool:     4096,
		EventRingSize:  256,
		MaxPIDs:        256,
		AsyncWorkers:   4,
	}
}

// Debug configures the control-plane/debug-session behavior.
type Debug struct {
	KeepaliveGraceMS int    `toml:"keepalive_grace_ms"`
	ListenAddr       string `toml:"listen_addr"`
	WebSocketAddr    string `toml:"websocket_addr"`
}

func (d Debug) KeepaliveGrace() time.Duration {
	if d.KeepaliveGraceMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.KeepaliveGraceMS) * time.Millisecond
}

// Persistence configures the FRAM-emulation key/value store.
type Persistence struct {
	Path             string `toml:"path"`
	CompactionPeriod int    `toml:"compaction_period_s"`
}

// Config is the root of hsx.toml.
type Config struct {
	Budgets     Budgets     `toml:"budgets"`
	Debug       Debug       `toml:"debug"`
	Persistence Persistence `toml:"persistence"`
}

// Default returns a Config with built-in defaults and no listeners
// configured. Persistence.Path is left empty, which the executive takes as
// "run with an in-memory FRAM emulation" rather than touching disk; a real
// deployment sets `path` under `[persistence]` in hsx.toml.
func Default() Config {
	return Config{
		Budgets: DefaultBudgets(),
		Debug:   Debug{KeepaliveGraceMS: 30000},
		Persistence: Persistence{
			CompactionPeriod: 60,
		},
	}
}

// tomlSettings treats Go struct tags as the single source of truth for key
// names, so NormFieldName/FieldToKey are identity functions rather than
// guessing a convention.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load decodes path into a Config, starting from Default() so any field a
// file omits keeps its built-in budget.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a TOML document from r into a Config.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	if err := tomlSettings.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
