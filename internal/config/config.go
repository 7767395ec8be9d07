// Package config loads service settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "AUTHCORE_"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds every externally supplied setting.
type Config struct {
	HTTPAddr       string
	Store          string
	PGDSN          string
	TrustedProxies []netip.Prefix

	SigningSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
	DefaultRole   string

	PermCacheTTL  time.Duration
	PermCacheSize int
	RedisAddr     string

	PurgeInterval time.Duration
	LogLevel      string
	LogFormat     string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:      ":8080",
		Store:         StorePostgres,
		Issuer:        "campusadmin",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		BcryptCost:    12,
		PermCacheTTL:  5 * time.Minute,
		PermCacheSize: 10000,
		PurgeInterval: time.Hour,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads the given dotenv files (default ".env"), then the environment.
// Missing dotenv files are ignored; variables already set in the
// environment win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, applying defaults and validation.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	r := reader{lookup: lookup}

	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.prefixes("TRUSTED_PROXIES", &cfg.TrustedProxies)
	r.str("STORE", &cfg.Store)
	r.str("PG_DSN", &cfg.PGDSN)
	r.str("SIGNING_SECRET", &cfg.SigningSecret)
	r.str("ISSUER", &cfg.Issuer)
	r.duration("ACCESS_TTL", &cfg.AccessTTL)
	r.duration("REFRESH_TTL", &cfg.RefreshTTL)
	r.integer("BCRYPT_COST", &cfg.BcryptCost)
	r.str("DEFAULT_ROLE", &cfg.DefaultRole)
	r.duration("PERM_CACHE_TTL", &cfg.PermCacheTTL)
	r.integer("PERM_CACHE_SIZE", &cfg.PermCacheSize)
	r.str("REDIS_ADDR", &cfg.RedisAddr)
	r.duration("PURGE_INTERVAL", &cfg.PurgeInterval)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)

	cfg.Store = strings.ToLower(cfg.Store)
	r.errs = append(r.errs, cfg.validate()...)
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New(prefix+"PG_DSN is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("%sSTORE must be %q or %q, got %q", prefix, StorePostgres, StoreMemory, c.Store))
	}
	if len(c.SigningSecret) < 32 {
		errs = append(errs, errors.New(prefix+"SIGNING_SECRET must be at least 32 bytes"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New(prefix+"ACCESS_TTL must be shorter than "+prefix+"REFRESH_TTL"))
	}
	if c.PermCacheTTL <= 0 || c.PermCacheSize <= 0 {
		errs = append(errs, errors.New("permission cache ttl and size must be positive"))
	}
	if c.PurgeInterval < 0 {
		errs = append(errs, errors.New(prefix+"PURGE_INTERVAL must not be negative"))
	}
	return errs
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(name string) (string, bool) {
	v, ok := r.lookup(prefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *reader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, name, err))
		return
	}
	*dst = d
}

func (r *reader) integer(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, name, err))
		return
	}
	*dst = n
}

// prefixes reads a comma separated list of CIDRs. A bare address is taken as
// a single-host prefix.
func (r *reader) prefixes(name string, dst *[]netip.Prefix) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	var out []netip.Prefix
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, name, err))
				continue
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, name, err))
			continue
		}
		out = append(out, p.Masked())
	}
	*dst = out
}
