package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/scheduler"
	"github.com/mersea/llm-relay/internal/usage"
)

// ServeGemini proxies a request to the Gemini generative language API.
// The body passes through verbatim; only credentials are swapped in and
// usage metadata harvested on the way back.
func (r *Relay) ServeGemini(w http.ResponseWriter, req *http.Request) {
	key := KeyFromContext(req.Context())
	if key == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	path := req.PathValue("path")
	model := geminiModelFromPath(path)
	if model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "unrecognized gemini path")
		return
	}
	if !key.AllowsModel(model) {
		writeErrorResponse(w, http.StatusForbidden, "permission_error", "model not allowed for this key")
		return
	}
	stream := strings.Contains(path, ":streamGenerateContent") || req.URL.Query().Get("alt") == "sse"

	grant, err := r.limiter.Admit(req.Context(), key)
	if err != nil {
		r.writeLimitError(w, err)
		return
	}
	defer grant.Release(context.WithoutCancel(req.Context()))

	r.forwardGemini(w, req, key, path, model, body, stream)
}

// forwardGemini runs the gemini retry loop. Shaped like forward but
// without the sticky session and with gemini usage extraction.
func (r *Relay) forwardGemini(w http.ResponseWriter, req *http.Request, key *apikey.Key, path, model string, body []byte, stream bool) {
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
			Key:        key,
			Model:      model,
			Providers:  []string{account.ProviderGemini},
			ExcludeIDs: excludeIDs,
		})
		if err != nil {
			if nae, isNo := scheduler.IsNoAccount(err); isNo {
				r.metrics.IncSchedulerExhausted()
				w.Header().Set("Retry-After", strconv.Itoa(int(nae.RetryAfter.Seconds())))
				writeErrorResponse(w, http.StatusServiceUnavailable, "overloaded_error", "no upstream capacity, please retry later")
				r.recordFailure(key, nil, model, http.StatusServiceUnavailable, stream, started)
				return
			}
			r.log.Error("scheduler failed", "error", err)
			writeErrorResponse(w, http.StatusInternalServerError, "api_error", "internal error")
			r.recordFailure(key, nil, model, http.StatusInternalServerError, stream, started)
			return
		}
		acct := sel.Account
		lastAcct = acct
		r.metrics.IncInflight()

		cred, err := r.tokens.EnsureFresh(ctx, acct)
		if err != nil {
			r.log.Warn("credential unavailable, excluding account", "accountId", acct.ID, "error", err)
			r.breaker.ReleaseProbe(acct.ID)
			r.releaseSel(ctx, sel)
			excludeIDs = append(excludeIDs, acct.ID)
			continue
		}

		resp, err := r.callGemini(ctx, acct, cred, path, req.URL.RawQuery, body, stream)
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
			r.succeedGemini(w, req, key, acct, sel, resp, model, stream, started)
			return

		case resp.StatusCode == http.StatusUnauthorized:
			errBody := drain(resp)
			r.breaker.ReleaseProbe(acct.ID)
			r.releaseSel(ctx, sel)
			if !refreshed[acct.ID] {
				refreshed[acct.ID] = true
				if _, rerr := r.tokens.ForceRefresh(ctx, acct.ID); rerr == nil {
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
			r.writeSanitized(w, resp.StatusCode, errBody, stream, map[string]string{
				"Retry-After": strconv.Itoa(int(retryAfter.Seconds())),
			})
			r.recordFailure(key, acct, model, resp.StatusCode, stream, started)
			r.observe(acct.Provider, resp.StatusCode, stream, started)
			return

		case resp.StatusCode >= 500:
			errBody := drain(resp)
			r.breaker.RecordFailure(acct.ID)
			r.releaseSel(ctx, sel)
			excludeIDs = append(excludeIDs, acct.ID)
			lastStatus, lastBody = resp.StatusCode, errBody
			r.log.Warn("upstream error, retrying elsewhere", "accountId", acct.ID, "status", resp.StatusCode)
			r.backoff(ctx, attempt)
			continue

		default:
			errBody := drain(resp)
			r.breaker.RecordOK(acct.ID)
			r.releaseSel(ctx, sel)
			r.writeSanitized(w, resp.StatusCode, errBody, stream, nil)
			r.recordFailure(key, acct, model, resp.StatusCode, stream, started)
			r.observe(acct.Provider, resp.StatusCode, stream, started)
			return
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusBadGateway
	}
	r.writeSanitized(w, lastStatus, lastBody, stream, nil)
	r.recordFailure(key, lastAcct, model, lastStatus, stream, started)
}

func (r *Relay) succeedGemini(w http.ResponseWriter, req *http.Request, key *apikey.Key, acct *account.Account, sel *scheduler.Selection, resp *http.Response, model string, stream bool, started time.Time) {
	defer resp.Body.Close()
	ctx := req.Context()

	r.breaker.RecordOK(acct.ID)
	w.Header().Set("x-relay-account-id", shortID(acct.ID))

	var tk usage.Tokens
	disconnected := false

	if stream {
		tk, disconnected = r.streamGemini(ctx, w, resp, acct)
	} else {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			r.releaseSel(ctx, sel)
			writeErrorResponse(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
			return
		}
		tk = parseGeminiUsage(respBody)
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
		Status:           http.StatusOK,
		Stream:           stream,
		ClientDisconnect: disconnected,
		DurationMs:       time.Since(started).Milliseconds(),
	})
	r.metrics.AddTokens(acct.Provider, tk.Input, tk.Output)
	r.observe(acct.Provider, http.StatusOK, stream, started)
}

func (r *Relay) callGemini(ctx context.Context, acct *account.Account, cred, path, rawQuery string, body []byte, stream bool) (*http.Response, error) {
	u := r.cfg.GeminiAPIURL + "/v1beta/" + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+cred)
	if stream {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	client := r.clients.Client(acct)
	if stream {
		client = r.clients.StreamClient(acct)
	}
	return client.Do(upReq)
}

// streamGemini relays the SSE stream byte for byte, harvesting
// usageMetadata as chunks go by. Gemini repeats cumulative counts, so
// later frames simply overwrite earlier ones.
func (r *Relay) streamGemini(ctx context.Context, w http.ResponseWriter, resp *http.Response, acct *account.Account) (tk usage.Tokens, disconnected bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return tk, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var idle *time.Timer
	if r.cfg.IdleReadTimeout > 0 {
		idle = time.AfterFunc(r.cfg.IdleReadTimeout, func() { resp.Body.Close() })
		defer idle.Stop()
	}

	for scanner.Scan() {
		if idle != nil {
			idle.Reset(r.cfg.IdleReadTimeout)
		}
		if ctx.Err() != nil {
			disconnected = true
			break
		}

		line := scanner.Text()
		if data, found := strings.CutPrefix(line, "data: "); found {
			if got := parseGeminiUsage([]byte(data)); got != (usage.Tokens{}) {
				tk = got
			}
		}

		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil && !disconnected {
		if ctx.Err() != nil {
			disconnected = true
		} else {
			r.log.Warn("upstream stream ended abnormally", "accountId", acct.ID, "error", err)
		}
	}
	return tk, disconnected
}

func parseGeminiUsage(body []byte) usage.Tokens {
	meta := gjson.GetBytes(body, "usageMetadata")
	if !meta.Exists() {
		return usage.Tokens{}
	}
	return usage.Tokens{
		Input:     meta.Get("promptTokenCount").Int(),
		Output:    meta.Get("candidatesTokenCount").Int(),
		CacheRead: meta.Get("cachedContentTokenCount").Int(),
	}
}

// geminiModelFromPath pulls the model out of paths shaped like
// models/{model}:{method}.
func geminiModelFromPath(path string) string {
	const prefix = "models/"
	i := strings.Index(path, prefix)
	if i < 0 {
		return ""
	}
	rest := path[i+len(prefix):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
