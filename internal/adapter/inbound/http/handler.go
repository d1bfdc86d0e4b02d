package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
)

// maxRequestBodySize is the maximum allowed request body size (10 MB).
const maxRequestBodySize = 10 << 20

// HeaderPriority selects the offline replay priority of a proxied call.
const HeaderPriority = "X-Portalguard-Priority"

// apiPrefix is stripped from proxied paths before they are resolved
// against the API base URL.
const apiPrefix = "/api/"

// eventBufferSize is the per-stream backlog before events are dropped.
const eventBufferSize = 64

// hopHeaders are not forwarded in either direction. Credentials are
// attached by the gateway from the session, never taken from the caller.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer", "Host", "Content-Length",
	"Authorization", "Cookie", "Origin", "Referer", HeaderPriority,
}

// streamRegistry tracks the channels of open /events streams.
type streamRegistry struct {
	mu      sync.RWMutex
	streams map[chan []byte]struct{}
	closed  bool
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[chan []byte]struct{})}
}

// register adds a stream channel. It returns false once closeAll has run.
func (r *streamRegistry) register(ch chan []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.streams[ch] = struct{}{}
	return true
}

// unregister removes a stream channel if it is still registered.
func (r *streamRegistry) unregister(ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[ch]; ok {
		delete(r.streams, ch)
		close(ch)
	}
}

// broadcast delivers msg to every stream without blocking. Slow readers
// lose events rather than stalling the emitter.
func (r *streamRegistry) broadcast(msg []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.streams {
		select {
		case ch <- msg:
		default:
		}
	}
}

// closeAll closes all stream channels, ending every /events response.
func (r *streamRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.streams {
		close(ch)
	}
	r.streams = make(map[chan []byte]struct{})
	r.closed = true
}

func (r *streamRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// wireEvent is the JSON shape of an event on the /events stream.
type wireEvent struct {
	Name    event.Name `json:"name"`
	Payload any        `json:"payload,omitempty"`
	At      time.Time  `json:"at"`
}

// encodeEvent renders an SSE frame. The event name doubles as the SSE
// event type so browsers can use addEventListener per name.
func encodeEvent(ev event.Event) ([]byte, error) {
	data, err := json.Marshal(wireEvent{Name: ev.Name, Payload: ev.Payload, At: ev.At})
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Name, data)), nil
}

// apiHandler relays /api/<path> to the gateway.
func apiHandler(gw inbound.Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := gatewayRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp, err := gw.Call(r.Context(), req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeResponse(w, resp)
	})
}

// gatewayRequest converts an inbound request into a gateway request.
// The URL stays relative so the gateway resolves it against its base URL.
func gatewayRequest(r *http.Request) (*request.Request, error) {
	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	if path == "" || strings.Contains(path, "://") {
		return nil, errors.New("missing API path")
	}
	target := path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		if len(b) > maxRequestBodySize {
			return nil, errors.New("request body too large")
		}
		body = b
	}

	priority, err := offline.ParsePriority(r.Header.Get(HeaderPriority))
	if err != nil {
		return nil, err
	}

	header := r.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return &request.Request{
		Method:   r.Method,
		URL:      target,
		Header:   header,
		Body:     body,
		NoCache:  strings.Contains(r.Header.Get("Cache-Control"), "no-cache"),
		Priority: priority,
	}, nil
}

// writeResponse relays an upstream response.
func writeResponse(w http.ResponseWriter, resp *request.Response) {
	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.FromCache && w.Header().Get("X-Portalguard-Cache") == "" {
		w.Header().Set("X-Portalguard-Cache", "hit")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writeGatewayError maps gateway failures to loopback status codes.
func writeGatewayError(w http.ResponseWriter, err error) {
	var queued *request.QueuedOfflineError
	if errors.As(err, &queued) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"queued": true, "id": queued.ID})
		return
	}

	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) {
		writeResponse(w, &request.Response{
			StatusCode: httpErr.StatusCode,
			Header:     httpErr.Header,
			Body:       httpErr.Body,
		})
		return
	}

	var rateErr *request.RateLimitError
	switch {
	case errors.Is(err, request.ErrNotAuthenticated),
		errors.Is(err, request.ErrUnauthorized),
		errors.Is(err, request.ErrSessionInvalidated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, request.ErrNetwork):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func isHopHeader(k string) bool {
	ck := http.CanonicalHeaderKey(k)
	for _, h := range hopHeaders {
		if ck == h {
			return true
		}
	}
	return false
}

// activityRequest is the body of POST /session/activity.
type activityRequest struct {
	Type string `json:"type"`
}

func sessionStatusHandler(s inbound.SessionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func sessionActivityHandler(s inbound.SessionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := session.ActivityManual
		if r.ContentLength != 0 {
			var body activityRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if body.Type != "" {
				k, err := session.ParseActivityKind(body.Type)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				kind = k
			}
		}
		s.RecordActivity(r.Context(), kind)
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func sessionExtendHandler(s inbound.SessionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.ExtendSession(r.Context())
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func sessionRefreshHandler(s inbound.SessionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok := s.RefreshSession(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"refreshed": ok,
			"session":   s.Status(),
		})
	}
}

// eventsHandler streams bus events as Server-Sent Events until the client
// disconnects or the server shuts down.
func eventsHandler(registry *streamRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		ch := make(chan []byte, eventBufferSize)
		if !registry.register(ch) {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		defer registry.unregister(ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				if _, err := w.Write(msg); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
