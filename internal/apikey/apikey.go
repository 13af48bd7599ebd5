package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/store"
)

// Validation failures. Handlers map these to 401/403 without leaking
// which case was hit beyond the standardized message.
var (
	ErrUnauthorized = errors.New("invalid api key")
	ErrDisabled     = errors.New("api key disabled")
	ErrExpired      = errors.New("api key expired")
)

// ErrInvalidQuota rejects issue or update parameters with negative
// limits. Handlers map it to 400.
var ErrInvalidQuota = errors.New("invalid quota")

// keyShape guards the hash lookup against garbage input. Accepted
// prefixes cover relay-issued (sk_), customer (cr_) and partner (pk_)
// keys.
var keyShape = regexp.MustCompile(`^(sk_|cr_|pk_)[A-Za-z0-9_]{17,253}$`)

// Quota caps a key inside a sliding window. Zero values mean unlimited.
type Quota struct {
	TokensPerWindow   int64 `json:"tokensPerWindow,omitempty"`
	RequestsPerWindow int64 `json:"requestsPerWindow,omitempty"`
	WindowSeconds     int   `json:"windowSeconds,omitempty"`
	MaxConcurrent     int   `json:"maxConcurrent,omitempty"`
}

// Window returns the quota window, defaulting to one minute.
func (q Quota) Window() time.Duration {
	if q.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(q.WindowSeconds) * time.Second
}

// Key is the stored record for one API key. The plaintext is shown once
// at issuance; only its SHA-256 survives.
type Key struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hash     string `json:"-"`
	Disabled bool   `json:"disabled"`

	Quota Quota `json:"quota"`

	// DailyCostLimit is tri-state: nil means unlimited, zero blocks
	// every request, positive caps the day's spend in USD.
	DailyCostLimit *float64 `json:"dailyCostLimit,omitempty"`
	ModelPatterns  []string `json:"allowedModels,omitempty"`

	// Dedicated pins every request to one account; group restricts
	// scheduling to a group's members. Dedicated wins when both set.
	DedicatedAccountID string `json:"dedicatedAccountId,omitempty"`
	GroupID            string `json:"groupId,omitempty"`

	ExpiresAt  int64  `json:"expiresAt,omitempty"` // unix milliseconds, 0 = never
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}

// AllowsModel checks the key's allow-list. Empty list allows everything.
func (k *Key) AllowsModel(model string) bool {
	if len(k.ModelPatterns) == 0 {
		return true
	}
	model = strings.ToLower(model)
	for _, p := range k.ModelPatterns {
		p = strings.ToLower(p)
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(model, strings.TrimSuffix(p, "*")) {
				return true
			}
		} else if p == model {
			return true
		}
	}
	return false
}

// Service issues and validates API keys. Lookup is O(1): the key hash
// maps to the record id through a dedicated index hash. lastUsedAt
// bumps go through a bounded queue drained by a single worker, so the
// request path never blocks on them.
type Service struct {
	store store.Store
	log   *slog.Logger

	touch     chan string
	done      chan struct{}
	closeOnce sync.Once
}

func NewService(s store.Store, log *slog.Logger) *Service {
	svc := &Service{
		store: s,
		log:   log.With("component", "apikey"),
		touch: make(chan string, 256),
		done:  make(chan struct{}),
	}
	go svc.runTouch()
	return svc
}

// Close stops the touch worker after draining pending bumps.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.touch)
		<-s.done
	})
}

func (s *Service) runTouch() {
	defer close(s.done)
	for id := range s.touch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.store.HSet(ctx, store.KeyAPIKeyPrefix+id, map[string]string{
			"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
		})
		cancel()
		if err != nil {
			s.log.Debug("touch key failed", "keyId", id, "error", err)
		}
	}
}

// IssueParams controls a new key. Only Name is required.
type IssueParams struct {
	Name               string
	Quota              Quota
	DailyCostLimit     *float64
	ModelPatterns      []string
	DedicatedAccountID string
	GroupID            string
	TTL                time.Duration
}

func (p IssueParams) validate() error {
	q := p.Quota
	if q.TokensPerWindow < 0 || q.RequestsPerWindow < 0 || q.WindowSeconds < 0 || q.MaxConcurrent < 0 {
		return ErrInvalidQuota
	}
	if p.DailyCostLimit != nil && *p.DailyCostLimit < 0 {
		return ErrInvalidQuota
	}
	return nil
}

// Issue mints a key and returns both the record and the one-time
// plaintext.
func (s *Service) Issue(ctx context.Context, p IssueParams) (*Key, string, error) {
	if err := p.validate(); err != nil {
		return nil, "", err
	}
	plaintext, err := crypto.NewAPIKey("sk_")
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	k := &Key{
		ID:                 uuid.NewString(),
		Name:               p.Name,
		Hash:               crypto.HashKey(plaintext),
		Quota:              p.Quota,
		DailyCostLimit:     p.DailyCostLimit,
		ModelPatterns:      p.ModelPatterns,
		DedicatedAccountID: p.DedicatedAccountID,
		GroupID:            p.GroupID,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
	}
	if p.TTL > 0 {
		k.ExpiresAt = time.Now().Add(p.TTL).UnixMilli()
	}
	if err := s.save(ctx, k); err != nil {
		return nil, "", err
	}
	if err := s.store.HSet(ctx, store.KeyAPIKeyHashMap, map[string]string{k.Hash: k.ID}); err != nil {
		return nil, "", fmt.Errorf("index key hash: %w", err)
	}
	return k, plaintext, nil
}

// Validate resolves a presented key to its record. The hash index makes
// the lookup constant-time in pool size; the final compare is
// constant-time in key length.
func (s *Service) Validate(ctx context.Context, presented string) (*Key, error) {
	if !keyShape.MatchString(presented) {
		return nil, ErrUnauthorized
	}
	hash := crypto.HashKey(presented)
	id, err := s.store.HGet(ctx, store.KeyAPIKeyHashMap, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	k, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil || !crypto.ConstantTimeEqual(k.Hash, hash) {
		return nil, ErrUnauthorized
	}
	if k.Disabled {
		return nil, ErrDisabled
	}
	if k.ExpiresAt > 0 && time.Now().UnixMilli() >= k.ExpiresAt {
		return nil, ErrExpired
	}

	// lastUsedAt is best-effort; a full queue drops the bump rather
	// than stalling the request.
	select {
	case s.touch <- k.ID:
	default:
		s.log.Debug("touch queue full, skipping bump", "keyId", k.ID)
	}
	return k, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Key, error) {
	data, err := s.store.HGetAll(ctx, store.KeyAPIKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return keyFromMap(data), nil
}

func (s *Service) List(ctx context.Context) ([]*Key, error) {
	keys, err := s.store.ScanKeys(ctx, store.KeyAPIKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Key, 0, len(keys))
	for _, sk := range keys {
		data, err := s.store.HGetAll(ctx, sk)
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, keyFromMap(data))
	}
	return out, nil
}

// Revoke disables the key immediately and drops it from the hash index
// so validation fails on the next request.
func (s *Service) Revoke(ctx context.Context, id string) error {
	k, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return store.ErrNotFound
	}
	if err := s.store.HSet(ctx, store.KeyAPIKeyPrefix+id, map[string]string{"disabled": "1"}); err != nil {
		return err
	}
	return s.store.HDel(ctx, store.KeyAPIKeyHashMap, k.Hash)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	k, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return nil
	}
	if err := s.store.HDel(ctx, store.KeyAPIKeyHashMap, k.Hash); err != nil {
		return err
	}
	return s.store.Del(ctx, store.KeyAPIKeyPrefix+id)
}

// Update patches mutable fields on an existing key.
func (s *Service) Update(ctx context.Context, id string, p IssueParams) (*Key, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	k, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, store.ErrNotFound
	}
	if p.Name != "" {
		k.Name = p.Name
	}
	k.Quota = p.Quota
	k.DailyCostLimit = p.DailyCostLimit
	k.ModelPatterns = p.ModelPatterns
	k.DedicatedAccountID = p.DedicatedAccountID
	k.GroupID = p.GroupID
	if err := s.save(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Service) save(ctx context.Context, k *Key) error {
	quota, _ := json.Marshal(k.Quota)
	fields := map[string]string{
		"id":        k.ID,
		"name":      k.Name,
		"hash":      k.Hash,
		"quota":     string(quota),
		"createdAt": k.CreatedAt,
		"expiresAt": strconv.FormatInt(k.ExpiresAt, 10),
	}
	if k.Disabled {
		fields["disabled"] = "1"
	} else {
		fields["disabled"] = ""
	}
	if k.DailyCostLimit != nil {
		fields["dailyCostLimit"] = strconv.FormatFloat(*k.DailyCostLimit, 'f', -1, 64)
	} else {
		fields["dailyCostLimit"] = ""
	}
	if len(k.ModelPatterns) > 0 {
		pats, _ := json.Marshal(k.ModelPatterns)
		fields["modelPatterns"] = string(pats)
	} else {
		fields["modelPatterns"] = ""
	}
	fields["dedicatedAccountId"] = k.DedicatedAccountID
	fields["groupId"] = k.GroupID
	return s.store.HSet(ctx, store.KeyAPIKeyPrefix+k.ID, fields)
}

func keyFromMap(m map[string]string) *Key {
	k := &Key{
		ID:                 m["id"],
		Name:               m["name"],
		Hash:               m["hash"],
		Disabled:           m["disabled"] == "1",
		DedicatedAccountID: m["dedicatedAccountId"],
		GroupID:            m["groupId"],
		CreatedAt:          m["createdAt"],
		LastUsedAt:         m["lastUsedAt"],
	}
	if raw := m["quota"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &k.Quota)
	}
	if raw := m["modelPatterns"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &k.ModelPatterns)
	}
	if v, err := strconv.ParseInt(m["expiresAt"], 10, 64); err == nil {
		k.ExpiresAt = v
	}
	if raw := m["dailyCostLimit"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			k.DailyCostLimit = &v
		}
	}
	return k
}
