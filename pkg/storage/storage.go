// Package storage contains the durable persistence layer for policy rules,
// blocklist bookkeeping, query transaction records, and host/sensor
// telemetry, backed by SQLite (modernc.org/sqlite, cgo-free) per the
// teacher's storage idiom.
package storage

import (
	"context"
	"time"
)

// Filtered is the tri-state outcome of policy evaluation recorded on every
// dns_requests row.
type Filtered string

const (
	FilteredNone    Filtered = ""
	FilteredAllowed Filtered = "allowed"
	FilteredBlocked Filtered = "blocked"
)

// Storage defines the durable persistence contract. Implementations must
// be safe for concurrent use.
type Storage interface {
	// Query transaction log.
	LogRequest(ctx context.Context, rec *RequestRecord) error
	RecentRequests(ctx context.Context, limit int) ([]*RequestRecord, error)
	TimeSeries(ctx context.Context, since time.Time, buckets int) ([]TimeSeriesBucket, error)
	TopNames(ctx context.Context, filtered Filtered, limit int) ([]NameCount, error)
	QueryTypeCounts(ctx context.Context, since time.Time) ([]QueryTypeCount, error)

	// Policy rules.
	Rules(ctx context.Context) ([]Rule, error)
	SaveRules(ctx context.Context, rules []Rule) error

	// Blocklist bookkeeping.
	BlocklistSources(ctx context.Context) ([]BlocklistSource, error)
	AddBlocklistSource(ctx context.Context, src string) error
	ReplaceBlocklist(ctx context.Context, sources []BlocklistSource, domains <-chan BlockedDomain) error
	BlockedDomainNames(ctx context.Context) (<-chan string, error)

	// Sensor / host telemetry.
	LogSysInfo(ctx context.Context, rec *SysInfoRecord) error
	SysInfoSeries(ctx context.Context, since time.Time) ([]SysInfoRecord, error)

	// Maintenance.
	Prune(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// RequestRecord is the query transaction record from spec section 3.
type RequestRecord struct {
	ReqTime   time.Time `json:"req_time"`
	ReqType   string    `json:"req_type"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Filtered  Filtered  `json:"filtered"`
	Reason    string    `json:"reason"`
	Responded bool      `json:"responded"`
	RespMs    int64     `json:"resp_ms"`
	Requester string    `json:"requester"`
	ID        int64     `json:"id"`
}

// Rule mirrors policy.Rule for the storage boundary, avoiding an import
// cycle between storage and policy.
type Rule struct {
	CreatedAt  time.Time `json:"created_at"`
	Expression string    `json:"expression"`
	ID         int64     `json:"id"`
	IsRegex    bool      `json:"is_regex"`
	Enabled    bool      `json:"enabled"`
	IsAllow    bool      `json:"is_allow"`
}

// BlocklistSource mirrors the block_list table.
type BlocklistSource struct {
	LastUpdated time.Time `json:"last_updated"`
	Src         string    `json:"src"`
	ID          int64     `json:"id"`
	RetryCount  int       `json:"retry_count"`
	DomainCount int       `json:"domain_count"`
}

// BlockedDomain is a single row destined for blocked_domains.
type BlockedDomain struct {
	DomainName string `json:"domain_name"`
	Source     string `json:"source"`
}

// SysInfoRecord mirrors the sys_info table.
type SysInfoRecord struct {
	STime       time.Time `json:"s_time"`
	CPUAvg      float64   `json:"cpu_avg"`
	CPUTemp     float64   `json:"cpu_temp"`
	Memory      float64   `json:"memory"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// TimeSeriesBucket is one of the 50 equal time slices the presenter's
// dashboard aggregation buckets requests into, partitioned by Filtered.
type TimeSeriesBucket struct {
	Start   time.Time
	Failed  int64 // responded=false
	Blocked int64
	Allowed int64
	Passed  int64 // no-policy, responded=true
}

// NameCount is a top-N requested-name row.
type NameCount struct {
	Name  string
	Count int64
}

// QueryTypeCount is a count grouped by DNS record type.
type QueryTypeCount struct {
	QueryType string
	Count     int64
}

// Config represents storage configuration.
type Config struct {
	SQLite        SQLiteConfig  `json:"sqlite"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	BatchSize     int           `json:"batch_size"`
	RetentionDays int           `json:"retention_days"`
	PoolSize      int           `json:"pool_size"`
}

// SQLiteConfig represents SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string `json:"path"`
	InitSQL     string `json:"init_sql"` // db_opt: executed once on connect
	BusyTimeout int    `json:"busy_timeout"`
	CacheSize   int    `json:"cache_size"`
	MMapSize    int64  `json:"mmap_size"`
	WALMode     bool   `json:"wal_mode"`
}

// DefaultConfig returns a default storage configuration.
func DefaultConfig() Config {
	return Config{
		SQLite: SQLiteConfig{
			Path:        "./wardendns.db",
			BusyTimeout: 5000,
			CacheSize:   4096,
			MMapSize:    268435456,
			WALMode:     true,
		},
		BufferSize:    500,
		FlushInterval: 5 * time.Second,
		BatchSize:     100,
		RetentionDays: 30,
		PoolSize:      4,
	}
}

// Validate validates the storage configuration, applying sane fallbacks.
func (c *Config) Validate() error {
	if c.BufferSize < 1 {
		c.BufferSize = 500
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.RetentionDays < 1 {
		c.RetentionDays = 30
	}
	if c.PoolSize < 1 {
		c.PoolSize = 4
	}
	if c.SQLite.Path == "" {
		return ErrInvalidConfig
	}
	return nil
}
