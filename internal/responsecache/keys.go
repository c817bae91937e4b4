package responsecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Strategy selects how a message is normalised before hashing.
type Strategy string

const (
	// StrategyExact hashes the raw message.
	StrategyExact Strategy = "exact"
	// StrategySemantic ignores case, punctuation and surrounding whitespace.
	StrategySemantic Strategy = "semantic"
	// StrategyFuzzy only looks at the leading tokens of the message.
	StrategyFuzzy Strategy = "fuzzy"
)

const fuzzyTokens = 10

var nonWordOrSpace = regexp.MustCompile(`[^\w\s]`)

// Config is the per-tenant cache policy supplied by the config provider.
type Config struct {
	Enabled        bool
	TTLSeconds     int
	MaxSize        int
	Strategy       Strategy
	IncludeContext bool
	KeyPrefix      string
}

// Validate rejects shapes that are programmer or operator errors.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyExact, StrategySemantic, StrategyFuzzy, "":
	default:
		return fmt.Errorf("responsecache: unsupported strategy %q", c.Strategy)
	}
	if c.TTLSeconds < 0 {
		return fmt.Errorf("responsecache: ttlSeconds invalid: %d", c.TTLSeconds)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("responsecache: maxSize invalid: %d", c.MaxSize)
	}
	if strings.ContainsAny(c.KeyPrefix, globChars) {
		return fmt.Errorf("responsecache: keyPrefix %q contains glob characters", c.KeyPrefix)
	}
	return nil
}

// GenerateKey derives the logical cache key. It is a pure function of its
// inputs: no randomness and no process-local state, so keys survive restarts.
func GenerateKey(tenantID, message string, cfg Config, context []string) string {
	var b strings.Builder
	b.WriteString(tenantPrefix(tenantID, cfg))
	b.WriteString(hashText(normalize(message, cfg.Strategy)))
	if cfg.IncludeContext && len(context) > 0 {
		b.WriteString(":ctx:")
		b.WriteString(hashText(strings.Join(context, "|")))
	}
	return b.String()
}

// tenantPrefix is shared by key generation and bulk invalidation.
func tenantPrefix(tenantID string, cfg Config) string {
	if cfg.KeyPrefix != "" {
		return cfg.KeyPrefix + ":" + tenantID + ":"
	}
	return tenantID + ":"
}

func normalize(message string, strategy Strategy) string {
	switch strategy {
	case StrategySemantic:
		return strings.TrimSpace(nonWordOrSpace.ReplaceAllString(strings.ToLower(message), ""))
	case StrategyFuzzy:
		tokens := strings.Fields(message)
		if len(tokens) > fuzzyTokens {
			tokens = tokens[:fuzzyTokens]
		}
		return strings.Join(tokens, " ")
	default:
		return message
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
