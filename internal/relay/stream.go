package relay

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/usage"
)

// streamResponse relays the upstream SSE stream and harvests usage from
// message_start and message_delta events on the way through. When the
// client disconnects mid-stream, whatever usage was seen so far is
// returned with disconnected set so the request is still billed.
func (r *Relay) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, acct *account.Account, requestModel string, shim *openAIShim) (tk usage.Tokens, model string, disconnected bool) {
	model = requestModel

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return tk, model, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line

	// Idle watchdog: an upstream that stops sending frames gets its
	// body closed, which surfaces as a scanner error below.
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
			slog.Debug("client disconnected during stream", "accountId", acct.ID)
			disconnected = true
			break
		}

		line := scanner.Text()
		data, isData := strings.CutPrefix(line, "data: ")
		if isData {
			parseMessageStart([]byte(data), &tk, &model)
			parseMessageDelta([]byte(data), &tk)
		}

		if shim != nil {
			if isData {
				for _, frame := range shim.translate(data) {
					fmt.Fprint(w, frame)
				}
				flusher.Flush()
			}
			continue
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
			slog.Warn("upstream stream ended abnormally", "accountId", acct.ID, "error", err)
		}
	}
	return tk, model, disconnected
}
