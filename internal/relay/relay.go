// Package relay forwards client requests to upstream LLM providers
// using pooled credentials. It owns the retry policy, credential
// injection, response sanitization, and usage capture.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/breaker"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/metrics"
	"github.com/mersea/llm-relay/internal/ratelimit"
	"github.com/mersea/llm-relay/internal/scheduler"
	"github.com/mersea/llm-relay/internal/token"
	"github.com/mersea/llm-relay/internal/usage"
)

// Clients supplies per-account HTTP clients; satisfied by
// transport.Pool.
type Clients interface {
	Client(acct *account.Account) *http.Client
	StreamClient(acct *account.Account) *http.Client
}

type Relay struct {
	cfg      *config.Config
	repo     *account.Repo
	tokens   *token.Manager
	sched    *scheduler.Scheduler
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	clients  Clients
	recorder *usage.Recorder
	metrics  *metrics.Registry
	log      *slog.Logger
}

func New(
	cfg *config.Config,
	repo *account.Repo,
	tokens *token.Manager,
	sched *scheduler.Scheduler,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	clients Clients,
	recorder *usage.Recorder,
	reg *metrics.Registry,
	log *slog.Logger,
) *Relay {
	return &Relay{
		cfg:      cfg,
		repo:     repo,
		tokens:   tokens,
		sched:    sched,
		limiter:  limiter,
		breaker:  brk,
		clients:  clients,
		recorder: recorder,
		metrics:  reg,
		log:      log.With("component", "relay"),
	}
}

// ServeMessages handles an Anthropic-format messages request.
func (r *Relay) ServeMessages(w http.ResponseWriter, req *http.Request) {
	key := KeyFromContext(req.Context())
	if key == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").Str
	if model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if !key.AllowsModel(model) {
		writeErrorResponse(w, http.StatusForbidden, "permission_error", "model not allowed for this key")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	grant, err := r.limiter.Admit(req.Context(), key)
	if err != nil {
		r.writeLimitError(w, err)
		return
	}
	defer grant.Release(context.WithoutCancel(req.Context()))

	r.forward(w, req, key, forwardParams{
		body:        body,
		model:       model,
		stream:      stream,
		fingerprint: scheduler.Fingerprint(body),
		providers:   claudeProviders,
	})
}

// claudeProviders lists providers that can serve the messages API.
var claudeProviders = []string{
	account.ProviderClaudeOAuth,
	account.ProviderClaudeConsole,
	account.ProviderBedrock,
}

type forwardParams struct {
	body        []byte
	model       string
	stream      bool
	fingerprint string
	providers   []string

	// shim, when set, rewrites the upstream response into the OpenAI
	// envelope on the way back to the client.
	shim *openAIShim
}

// forward runs the account retry loop. Accounts that fail are excluded
// and the next candidate tried, up to MaxRetries attempts.
func (r *Relay) forward(w http.ResponseWriter, req *http.Request, key *apikey.Key, p forwardParams) {
	ctx := req.Context()
	started := time.Now()

	var excludeIDs []string
	refreshed := make(map[string]bool)
	var lastStatus int
	var lastBody []byte
	var lastAcct *account.Account

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		sel, err := r.sched.Select(ctx, scheduler.Request{
			Key:         key,
			Model:       p.model,
			Fingerprint: p.fingerprint,
			Providers:   p.providers,
			ExcludeIDs:  excludeIDs,
		})
		if err != nil {
			if nae, isNo := scheduler.IsNoAccount(err); isNo {
				r.metrics.IncSchedulerExhausted()
				w.Header().Set("Retry-After", strconv.Itoa(int(nae.RetryAfter.Seconds())))
				writeErrorResponse(w, http.StatusServiceUnavailable, "overloaded_error", "no upstream capacity, please retry later")
				r.recordFailure(key, nil, p.model, http.StatusServiceUnavailable, p.stream, started)
				return
			}
			r.log.Error("scheduler failed", "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "api_error", "internal error")
			r.recordFailure(key, nil, p.model, http.StatusInternalServerError, p.stream, started)
			return
		}
		acct := sel.Account
		lastAcct = acct
		if sel.StickyMiss {
			r.metrics.IncStickyFallback()
		}
		r.metrics.IncInflight()

		cred, err := r.tokens.EnsureFresh(ctx, acct)
		if err != nil {
			r.log.Warn("credential unavailable, excluding account", "accountId", acct.ID, "error", err)
			r.breaker.ReleaseProbe(acct.ID)
			r.releaseSel(ctx, sel)
			excludeIDs = append(excludeIDs, acct.ID)
			continue
		}

		resp, err := r.callUpstream(ctx, acct, cred, p)
		if err != nil {
			r.log.Error("upstream request failed", "accountId", acct.ID, "error", err)
			r.breaker.RecordFailure(acct.ID)
			r.releaseSel(ctx, sel)
			excludeIDs = append(excludeIDs, acct.ID)
			r.backoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			r.succeed(w, req, key, acct, sel, resp, p, started)
			return

		case resp.StatusCode == http.StatusUnauthorized:
			errBody := drain(resp)
			r.breaker.ReleaseProbe(acct.ID)
			r.releaseSel(ctx, sel)
			if oauthProvider(acct.Provider) && !refreshed[acct.ID] {
				refreshed[acct.ID] = true
				if _, rerr := r.tokens.ForceRefresh(ctx, acct.ID); rerr == nil {
					// Same account, fresh token.
					continue
				}
			}
			r.log.Warn("upstream rejected credentials", "accountId", acct.ID)
			_ = r.repo.SetState(ctx, acct.ID, account.StateUnauthorized, "upstream 401")
			excludeIDs = append(excludeIDs, acct.ID)
			lastStatus, lastBody = resp.StatusCode, errBody
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			errBody := drain(resp)
			r.breaker.ReleaseProbe(acct.ID)
			r.releaseSel(ctx, sel)
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), r.cfg.RateLimitCooldown)
			_ = r.repo.MarkRateLimited(ctx, acct.ID, time.Now().Add(retryAfter))
			r.log.Warn("account rate limited", "accountId", acct.ID, "cooldown", retryAfter)
			r.writeSanitized(w, resp.StatusCode, errBody, p.stream, map[string]string{
				"Retry-After": strconv.Itoa(int(retryAfter.Seconds())),
			})
			r.recordFailure(key, acct, p.model, resp.StatusCode, p.stream, started)
			r.observe(acct.Provider, resp.StatusCode, p.stream, started)
			return

		case resp.StatusCode >= 500 || resp.StatusCode == 529:
			errBody := drain(resp)
			r.breaker.RecordFailure(acct.ID)
			r.releaseSel(ctx, sel)
			excludeIDs = append(excludeIDs, acct.ID)
			lastStatus, lastBody = resp.StatusCode, errBody
			r.log.Warn("upstream error, retrying elsewhere", "accountId", acct.ID, "status", resp.StatusCode)
			r.backoff(ctx, attempt)
			continue

		default:
			// Client-shaped errors (400, 403, 404...) are the caller's
			// problem; sanitize and forward without burning accounts. The
			// upstream answered, so the breaker counts it as a success.
			errBody := drain(resp)
			r.breaker.RecordOK(acct.ID)
			r.releaseSel(ctx, sel)
			r.writeSanitized(w, resp.StatusCode, errBody, p.stream, nil)
			r.recordFailure(key, acct, p.model, resp.StatusCode, p.stream, started)
			r.observe(acct.Provider, resp.StatusCode, p.stream, started)
			return
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusBadGateway
	}
	r.writeSanitized(w, lastStatus, lastBody, p.stream, nil)
	r.recordFailure(key, lastAcct, p.model, lastStatus, p.stream, started)
}

// succeed relays the upstream 200 to the client and settles accounting.
func (r *Relay) succeed(w http.ResponseWriter, req *http.Request, key *apikey.Key, acct *account.Account, sel *scheduler.Selection, resp *http.Response, p forwardParams, started time.Time) {
	defer resp.Body.Close()
	ctx := req.Context()

	r.breaker.RecordOK(acct.ID)
	w.Header().Set("x-relay-account-id", shortID(acct.ID))
	if p.fingerprint != "" {
		w.Header().Set("x-relay-session", shortID(p.fingerprint))
	}

	var tk usage.Tokens
	model := p.model
	status := http.StatusOK
	disconnected := false

	if p.stream {
		tk, model, disconnected = r.streamResponse(ctx, w, resp, acct, p.model, p.shim)
	} else {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			r.releaseSel(ctx, sel)
			writeErrorResponse(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
			return
		}
		tk, model = parseJSONUsage(respBody)
		if model == "" {
			model = p.model
		}
		if p.shim != nil {
			respBody = nativeToOpenAIResponse(respBody)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(respBody)
	}

	bg := context.WithoutCancel(ctx)
	r.releaseSel(bg, sel)

	cost := r.limiter.Settle(bg, key, model, tk)
	r.recorder.Record(&usage.Record{
		ID:               uuid.NewString(),
		KeyID:            key.ID,
		AccountID:        acct.ID,
		Provider:         acct.Provider,
		Model:            model,
		Tokens:           tk,
		CostUSD:          cost,
		Status:           status,
		Stream:           p.stream,
		ClientDisconnect: disconnected,
		DurationMs:       time.Since(started).Milliseconds(),
	})
	r.metrics.AddTokens(acct.Provider, tk.Input, tk.Output)
	r.observe(acct.Provider, status, p.stream, started)
}

func (r *Relay) callUpstream(ctx context.Context, acct *account.Account, cred string, p forwardParams) (*http.Response, error) {
	base := r.cfg.ClaudeAPIURL
	if acct.Provider == account.ProviderBedrock {
		base = r.cfg.BedrockAPIURL
	}
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(p.body))
	if err != nil {
		return nil, err
	}

	h := upReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", r.cfg.ClaudeAPIVersion)
	switch acct.Provider {
	case account.ProviderClaudeOAuth:
		h.Set("Authorization", "Bearer "+cred)
		h.Set("anthropic-beta", r.cfg.ClaudeBetaHeader)
	case account.ProviderClaudeConsole:
		h.Set("x-api-key", cred)
	case account.ProviderBedrock:
		h.Set("Authorization", "Bearer "+cred)
	default:
		return nil, fmt.Errorf("provider %s cannot serve messages", acct.Provider)
	}
	if p.stream {
		h.Set("Accept", "text/event-stream")
	}

	client := r.clients.Client(acct)
	if p.stream {
		client = r.clients.StreamClient(acct)
	}
	return client.Do(upReq)
}

func (r *Relay) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	limit := int64(r.cfg.MaxRequestBodyMB) << 20
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, "request_too_large", "request payload too large")
		} else {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		}
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return nil, false
	}
	return body, true
}

func (r *Relay) writeLimitError(w http.ResponseWriter, err error) {
	var le *ratelimit.LimitError
	if !errors.As(err, &le) {
		r.log.Error("admission failed", "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	r.metrics.IncRateLimited(le.Scope)
	if le.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds())))
	}
	writeErrorResponse(w, http.StatusTooManyRequests, "rate_limit_error", limitMessage(le.Scope))
}

func limitMessage(scope string) string {
	switch scope {
	case "tokens":
		return "token quota exceeded for this key"
	case "concurrency":
		return "too many concurrent requests for this key"
	case "daily-cost":
		return "daily cost limit reached for this key"
	case "credits":
		return "credit balance exhausted"
	default:
		return "request quota exceeded for this key"
	}
}

func (r *Relay) writeSanitized(w http.ResponseWriter, status int, body []byte, stream bool, headers map[string]string) {
	sanitizedStatus, sanitized := SanitizeError(status, body)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(sanitizedStatus)
		fmt.Fprint(w, SanitizeSSEError(status, body))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(sanitizedStatus)
	_, _ = w.Write(sanitized)
}

// recordFailure commits a zero-token usage event for a request that
// produced no billable output, so failures still land in the event log.
func (r *Relay) recordFailure(key *apikey.Key, acct *account.Account, model string, status int, stream bool, started time.Time) {
	rec := &usage.Record{
		ID:         uuid.NewString(),
		KeyID:      key.ID,
		Model:      model,
		Status:     status,
		Stream:     stream,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if acct != nil {
		rec.AccountID = acct.ID
		rec.Provider = acct.Provider
	}
	r.recorder.Record(rec)
}

func (r *Relay) releaseSel(ctx context.Context, sel *scheduler.Selection) {
	sel.Release(ctx)
	r.metrics.DecInflight()
}

func (r *Relay) observe(provider string, status int, stream bool, started time.Time) {
	r.metrics.ObserveRequest(provider, status, stream, time.Since(started).Seconds())
}

// backoff sleeps between retry attempts with jitter, respecting the
// request context.
func (r *Relay) backoff(ctx context.Context, attempt int) {
	// Exponential: base, 2x base, 4x base... plus up to 25% jitter.
	base := r.cfg.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	base <<= attempt
	jitter := time.Duration(rand.Int64N(int64(base/4) + 1))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

func oauthProvider(p string) bool {
	return p == account.ProviderClaudeOAuth || p == account.ProviderGemini
}

func drain(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return body
}

func parseRetryAfter(header string, floor time.Duration) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			if d := time.Duration(secs) * time.Second; d > floor {
				return d
			}
		}
	}
	return floor
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeErrorResponse(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorJSON(errType, msg))
}
