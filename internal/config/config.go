// Package config holds the env-with-flag-override helpers shared by the
// migration jobs. Environment variables provide defaults; flags win.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Bunny carries the destination storage settings. AccessKey is read-only
// after startup and never logged.
type Bunny struct {
	StorageZone string
	AccessKey   string
	RegionHost  string // storage API host; default storage.bunnycdn.com
	PublicHost  string // optional pull-zone host used for existence checks
}

// BunnyFromEnv reads the BUNNY_* variables once. Callers overlay flag
// values on top of the returned struct.
func BunnyFromEnv() Bunny {
	return Bunny{
		StorageZone: EnvString("BUNNY_STORAGE_ZONE", ""),
		AccessKey:   EnvString("BUNNY_ACCESS_KEY", ""),
		RegionHost:  EnvString("BUNNY_REGION_HOST", ""),
		PublicHost:  EnvString("BUNNY_PUBLIC_HOST", ""),
	}
}

// Valid reports whether the credentials required for any upload are set.
func (b Bunny) Valid() bool {
	return strings.TrimSpace(b.StorageZone) != "" && strings.TrimSpace(b.AccessKey) != ""
}

func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// NormalizePrefix trims a destination prefix and guarantees a trailing
// slash so key derivation stays a pure concatenation.
func NormalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
