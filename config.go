package authcore

import (
	"fmt"
	"net/url"
	"time"
)

// Defaults applied by applySecureDefaults. TTLs are seconds.
const (
	DefaultAccessTokenTTL  int64 = 3600
	DefaultCodeTTL         int64 = 600
	DefaultRefreshTTL      int64 = 30 * 24 * 3600
	DefaultIDTokenTTL      int64 = 3600
	DefaultDPoPWindow      int64 = 60
	DefaultClockSkewGrace  int64 = 5
	DefaultRateLimitPerSec       = 20
	DefaultRateLimitBurst        = 40
)

// Config configures a Server.
type Config struct {
	// Issuer is the server's issuer URL. Required; must be an absolute
	// https URL (http is allowed for loopback only).
	Issuer string

	// AccessTokenTTL is the access token lifetime in seconds.
	AccessTokenTTL int64

	// CodeTTL is the authorization code lifetime in seconds.
	CodeTTL int64

	// RefreshTTL is the refresh-token family lifetime in seconds.
	RefreshTTL int64

	// IDTokenTTL is the ID token lifetime in seconds.
	IDTokenTTL int64

	// DPoPFreshnessWindow bounds proof iat skew, in seconds.
	DPoPFreshnessWindow int64

	// ClockSkewGrace extends expiry checks during validation, in seconds.
	ClockSkewGrace int64

	// Generation is the current refresh-token shard-layout generation.
	Generation int

	// ShardCounts maps every generation ever used to its shard count.
	// Defaults to {Generation: 16}.
	ShardCounts map[int]int

	// RateLimitPerSecond and RateLimitBurst bound per-client request
	// rates at the HTTP handler. Zero disables limiting.
	RateLimitPerSecond int
	RateLimitBurst     int

	// Now overrides the time source.
	Now func() time.Time
}

// applySecureDefaults fills zero values and validates the issuer.
func (c *Config) applySecureDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return fmt.Errorf("issuer must use https")
	}

	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	if c.DPoPFreshnessWindow <= 0 {
		c.DPoPFreshnessWindow = DefaultDPoPWindow
	}
	if c.ClockSkewGrace <= 0 {
		c.ClockSkewGrace = DefaultClockSkewGrace
	}
	if c.ShardCounts == nil {
		c.ShardCounts = map[int]int{c.Generation: 16}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
