package format

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/pkg/redis"
)

// SignatureCache remembers Gemini thought signatures. Gemini requires
// the signature back on follow-up tool calls, but most Anthropic clients
// strip unknown fields, so signatures are cached by tool_use ID and
// restored on the next request. Thinking signatures are additionally
// tagged with the model family that produced them so cross-model
// switches can drop incompatible blocks.
//
// Entries live in Redis when a client is configured, otherwise in
// memory with the same TTL.
type SignatureCache struct {
	mu            sync.Mutex
	redisClient   *redis.Client
	toolCache     map[string]cacheEntry
	thinkingCache map[string]cacheEntry
}

type cacheEntry struct {
	value    string
	cachedAt time.Time
}

// NewSignatureCache creates a cache; redisClient may be nil
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient:   redisClient,
		toolCache:     make(map[string]cacheEntry),
		thinkingCache: make(map[string]cacheEntry),
	}
}

func signatureTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use ID
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	if c.redisClient != nil {
		_ = c.redisClient.SetToolSignature(context.Background(), toolUseID, signature, signatureTTL())
		return
	}
	c.mu.Lock()
	c.toolCache[toolUseID] = cacheEntry{value: signature, cachedAt: time.Now()}
	c.mu.Unlock()
}

// GetCachedSignature returns the signature for a tool_use ID, "" if unknown
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	if c.redisClient != nil {
		signature, err := c.redisClient.GetToolSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.toolCache[toolUseID]
	if !ok {
		return ""
	}
	if time.Since(entry.cachedAt) > signatureTTL() {
		delete(c.toolCache, toolUseID)
		return ""
	}
	return entry.value
}

// CacheThinkingSignature tags a thinking signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if len(signature) < config.MinSignatureLength || modelFamily == "" {
		return
	}
	if c.redisClient != nil {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, signatureTTL())
		return
	}
	c.mu.Lock()
	c.thinkingCache[signature] = cacheEntry{value: modelFamily, cachedAt: time.Now()}
	c.mu.Unlock()
}

// GetCachedSignatureFamily returns the model family that produced a
// thinking signature, "" if unknown
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	if c.redisClient != nil {
		family, err := c.redisClient.GetThinkingSignatureFamily(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.thinkingCache[signature]
	if !ok {
		return ""
	}
	if time.Since(entry.cachedAt) > signatureTTL() {
		delete(c.thinkingCache, signature)
		return ""
	}
	return entry.value
}

// Clear drops all in-memory entries; Redis entries expire via TTL
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	c.toolCache = make(map[string]cacheEntry)
	c.thinkingCache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitSignatureCache wires the process-wide cache to Redis. Safe to
// skip; the fallback is memory-only.
func InitSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// Signatures returns the process-wide signature cache
func Signatures() *SignatureCache {
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}
