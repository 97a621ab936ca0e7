// Package stream serves the bidirectional WebSocket synthesis session.
//
// A client authenticates at upgrade, then issues JSON commands over the
// connection: speak, list_voices (alias voices) and engines. Every
// successful speak answers with exactly one meta frame, the audio as binary
// frames in production order, and one end frame. Protocol errors produce an
// error frame and leave the connection open. Frames are admitted under the
// key's rate-limit policy and metered like HTTP requests.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/openvoiceproxy/openvoiceproxy/internal/engine"
	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/observe"
	"github.com/openvoiceproxy/openvoiceproxy/internal/ratelimit"
	"github.com/openvoiceproxy/openvoiceproxy/internal/usage"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/audio"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Protocol error codes carried in error frames.
const (
	CodeInvalidJSON    = "INVALID_JSON"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeTextTooLong    = "TEXT_TOO_LONG"
	CodeVoiceNotFound  = "VOICE_NOT_FOUND"
	CodeForbidden      = "FORBIDDEN"
	CodeUnavailable    = "PROVIDER_UNAVAILABLE"
	CodeSynthesisFail  = "SYNTHESIS_FAILED"
	CodeRateLimited    = "RATE_LIMITED"
)

// sessionPath is the path under which session frames are metered and
// reported, matching the WebSocket mount point.
const sessionPath = "/api/ws"

// DefaultChunkSize is the binary frame payload size when a speak command
// requests streaming without naming one.
const DefaultChunkSize = 32 * 1024

// DefaultIdleTimeout closes sessions after this long without a frame in
// either direction.
const DefaultIdleTimeout = 60 * time.Second

// AuthFunc resolves presented key material to a key record.
type AuthFunc func(ctx context.Context, plaintext string) (keystore.Key, error)

// Config parameterises a Handler.
type Config struct {
	// MaxTextLength caps speak text. Zero means 500.
	MaxTextLength int

	// DefaultEngine and DefaultVoice fill in omitted speak fields.
	DefaultEngine string
	DefaultVoice  string

	// DefaultSampleRate is used when a speak command names none.
	DefaultSampleRate int

	// ProviderTimeout bounds each synthesis call. Zero means no ceiling.
	ProviderTimeout time.Duration

	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration

	// DefaultLimit is the admission policy for keys that carry none of
	// their own. Zero requests disables the fallback.
	DefaultLimit keystore.RateLimit
}

// Deps are the shared subsystems a Handler drives. Limiter, Usage and Keys
// may be nil, which disables the corresponding pipeline stage.
type Deps struct {
	Auth     AuthFunc
	Resolver *voice.Resolver
	Registry *engine.Registry
	Limiter  *ratelimit.Limiter
	Usage    *usage.Tracker
	Keys     keystore.Store
	Metrics  *observe.Metrics
}

// Handler upgrades HTTP requests into synthesis sessions. Command frames
// pass the same admission and metering stages as HTTP requests: the key's
// rate-limit policy admits each frame, and every admitted frame emits one
// usage record on exit.
type Handler struct {
	auth     AuthFunc
	resolver *voice.Resolver
	registry *engine.Registry
	limiter  *ratelimit.Limiter
	usage    *usage.Tracker
	keys     keystore.Store
	metrics  *observe.Metrics
	cfg      Config
}

// NewHandler builds a session handler over the shared subsystems.
func NewHandler(deps Deps, cfg Config) *Handler {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 500
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 22050
	}
	return &Handler{
		auth:     deps.Auth,
		resolver: deps.Resolver,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		usage:    deps.Usage,
		keys:     deps.Keys,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}
}

// ---- wire frames ----

type command struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Engine     string `json:"engine"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	SSML       bool   `json:"ssml"`
	Stream     bool   `json:"stream"`
	ChunkSize  int    `json:"chunk_size"`
}

type metaFrame struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Engine     string `json:"engine"`
	Voice      string `json:"voice"`
	Bytes      int    `json:"bytes,omitempty"`
	Stream     bool   `json:"stream"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
}

type endFrame struct {
	Type      string `json:"type"`
	Bytes     int    `json:"bytes"`
	Chunks    int    `json:"chunks"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type voicesFrame struct {
	Type   string       `json:"type"`
	Voices []voiceEntry `json:"voices"`
	Count  int          `json:"count"`
}

type voiceEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

type enginesFrame struct {
	Type    string        `json:"type"`
	Engines []engineEntry `json:"engines"`
	Default string        `json:"default"`
}

type engineEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ---- session ----

// ServeSession upgrades the request and runs the command loop until the
// client disconnects or the session idles out.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	key, err := h.auth(r.Context(), extractKey(r))
	if err != nil {
		h.metrics.RecordAuthFailure(r.Context(), "websocket")
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	// The request context ends when the connection drops, cancelling any
	// in-flight provider call.
	ctx := r.Context()

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	sess := &session{
		handler: h,
		conn:    conn,
		key:     key,
	}
	sess.run(ctx)
}

// ServeHTTP makes Handler mountable directly on a router.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeSession(w, r)
}

type session struct {
	handler *Handler
	conn    *websocket.Conn
	key     keystore.Key
}

// frameMeter accumulates the usage facts of one command frame, mirroring the
// HTTP metering stage.
type frameMeter struct {
	provider   string
	characters int
	status     int
}

func (s *session) run(ctx context.Context) {
	h := s.handler
	for {
		readCtx, cancel := context.WithTimeout(ctx, h.cfg.IdleTimeout)
		typ, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				s.conn.Close(websocket.StatusNormalClosure, "idle timeout")
			}
			return
		}

		// Admission runs per frame under the key's own policy, before
		// any parsing. Denied frames are not metered, matching HTTP.
		if denied, resetAt := s.admit(); denied {
			h.metrics.RecordRateLimited(ctx, sessionPath)
			s.writeError(ctx, "rate limit exceeded, retry after "+resetAt.UTC().Format(time.RFC3339), CodeRateLimited)
			continue
		}

		start := time.Now()
		m := &frameMeter{status: http.StatusOK}

		if typ != websocket.MessageText {
			m.status = http.StatusBadRequest
			s.writeError(ctx, "expected a text command frame", CodeInvalidJSON)
			s.record(ctx, m, start)
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			m.status = http.StatusBadRequest
			s.writeError(ctx, "invalid JSON", CodeInvalidJSON)
			s.record(ctx, m, start)
			continue
		}

		switch cmd.Type {
		case "speak":
			s.handleSpeak(ctx, cmd, m)
		case "list_voices", "voices":
			s.handleVoices(ctx, cmd)
		case "engines":
			s.handleEngines(ctx)
		default:
			m.status = http.StatusBadRequest
			s.writeError(ctx, fmt.Sprintf("unknown command %q", cmd.Type), CodeUnknownCommand)
		}
		s.record(ctx, m, start)
	}
}

// admit runs the key's rate-limit policy for one frame. A handler without a
// limiter, or a key without any applicable policy, admits everything.
func (s *session) admit() (denied bool, resetAt time.Time) {
	h := s.handler
	if h.limiter == nil {
		return false, time.Time{}
	}
	limit, window := s.key.RateLimit.Requests, s.key.RateLimit.Window()
	if limit <= 0 {
		limit, window = h.cfg.DefaultLimit.Requests, h.cfg.DefaultLimit.Window()
	}
	if limit <= 0 {
		return false, time.Time{}
	}
	res := h.limiter.Check(s.key.ID, limit, window)
	return !res.Allowed, res.ResetAt
}

// record emits exactly one usage record for an admitted frame and bumps the
// key's request counter.
func (s *session) record(ctx context.Context, m *frameMeter, start time.Time) {
	h := s.handler
	if h.usage != nil {
		h.usage.Add(usage.Record{
			KeyID:      s.key.ID,
			Provider:   m.provider,
			Path:       sessionPath,
			Characters: m.characters,
			ElapsedMS:  time.Since(start).Milliseconds(),
			Status:     m.status,
			Timestamp:  time.Now(),
		})
	}
	if h.keys != nil && s.key.ID != keystore.BootstrapID {
		_ = h.keys.Touch(ctx, s.key.ID)
	}
}

func (s *session) handleSpeak(ctx context.Context, cmd command, m *frameMeter) {
	h := s.handler

	if cmd.Text == "" {
		m.status = http.StatusBadRequest
		s.writeError(ctx, "text is required", CodeInvalidJSON)
		return
	}
	if utf8.RuneCountInString(cmd.Text) > h.cfg.MaxTextLength {
		m.status = http.StatusBadRequest
		s.writeError(ctx, "text exceeds maximum length", CodeTextTooLong)
		return
	}

	if cmd.Engine == "" {
		cmd.Engine = h.cfg.DefaultEngine
	}
	if cmd.Voice == "" {
		cmd.Voice = h.cfg.DefaultVoice
	}
	if cmd.SampleRate <= 0 {
		cmd.SampleRate = h.cfg.DefaultSampleRate
	}
	format := tts.Format(cmd.Format)
	if cmd.Format == "" {
		format = tts.FormatPCM16
	}
	if !format.IsValid() {
		m.status = http.StatusBadRequest
		s.writeError(ctx, fmt.Sprintf("unknown format %q", cmd.Format), CodeInvalidJSON)
		return
	}

	binding, err := h.resolver.Resolve(ctx, cmd.Engine+"-"+cmd.Voice, s.key)
	if err != nil {
		s.writeResolveError(ctx, err, m)
		return
	}
	m.provider = binding.Provider
	m.characters = utf8.RuneCountInString(cmd.Text)

	start := time.Now()
	data, err := s.render(ctx, binding, cmd.Text, format, cmd.SampleRate)
	if err != nil {
		m.status = http.StatusInternalServerError
		h.metrics.RecordProviderError(ctx, binding.Provider)
		s.writeError(ctx, err.Error(), CodeSynthesisFail)
		return
	}
	h.metrics.RecordSynthesis(ctx, binding.Provider, string(format), "ok",
		utf8.RuneCountInString(cmd.Text), time.Since(start).Seconds())

	chunkSize := len(data)
	if cmd.Stream {
		chunkSize = cmd.ChunkSize
		if chunkSize <= 0 {
			chunkSize = DefaultChunkSize
		}
	}
	chunks := 0
	if len(data) > 0 {
		chunks = (len(data) + chunkSize - 1) / chunkSize
	}

	if err := s.writeJSON(ctx, metaFrame{
		Type:       "meta",
		Format:     string(format),
		SampleRate: cmd.SampleRate,
		Engine:     binding.Provider,
		Voice:      cmd.Voice,
		Bytes:      len(data),
		Stream:     cmd.Stream,
		ChunkSize:  chunkSize,
		Chunks:     chunks,
	}); err != nil {
		return
	}

	// Binary frames in production order. Writes block on a slow client,
	// which is the back-pressure model; nothing is dropped.
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if err := s.conn.Write(ctx, websocket.MessageBinary, data[off:end]); err != nil {
			return
		}
		h.metrics.StreamedBytes.Add(ctx, int64(end-off))
	}

	_ = s.writeJSON(ctx, endFrame{
		Type:      "end",
		Bytes:     len(data),
		Chunks:    chunks,
		ElapsedMS: time.Since(start).Milliseconds(),
	})
}

// render synthesises in the requested container. PCM output from adapters
// without native raw PCM is derived from their WAV rendition.
func (s *session) render(ctx context.Context, binding *voice.Binding, text string, format tts.Format, sampleRate int) ([]byte, error) {
	h := s.handler
	if h.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ProviderTimeout)
		defer cancel()
	}

	caps := binding.Adapter.Capabilities()
	askFormat := format
	if format == tts.FormatPCM16 && !caps.Supports(tts.FormatPCM16) && caps.Supports(tts.FormatWAV) {
		askFormat = tts.FormatWAV
	}

	data, err := binding.Adapter.Synthesize(ctx, text, tts.SynthesisOptions{
		VoiceID:    binding.NativeID,
		Format:     askFormat,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, err
	}

	if askFormat == format {
		return data, nil
	}
	if !audio.IsWAV(data) {
		// The engine produced raw PCM despite the wav ask.
		return data, nil
	}
	pcm, spec, err := audio.StripWAV(data)
	if err != nil {
		return nil, fmt.Errorf("stream: strip wav: %w", err)
	}
	if spec.BitsPerSample > 16 {
		pcm = audio.DownconvertTo16(pcm, spec.BitsPerSample)
		spec.BitsPerSample = 16
	}
	if spec.Channels > 1 {
		pcm = audio.StereoToMono(pcm)
		spec.Channels = 1
	}
	if sampleRate > 0 && spec.SampleRate != sampleRate {
		pcm = audio.ResampleMono16(pcm, spec.SampleRate, sampleRate)
	}
	return pcm, nil
}

func (s *session) handleVoices(ctx context.Context, cmd command) {
	facades := s.handler.resolver.Catalogue(ctx, s.key, cmd.Engine)
	voices := make([]voiceEntry, 0, len(facades))
	for _, f := range facades {
		v := voiceEntry{ID: f.ID, Name: f.Name, Engine: f.Provider, Gender: f.Gender}
		if len(f.Languages) > 0 {
			v.Language = f.Languages[0]
		}
		voices = append(voices, v)
	}
	_ = s.writeJSON(ctx, voicesFrame{Type: "voices", Voices: voices, Count: len(voices)})
}

func (s *session) handleEngines(ctx context.Context) {
	health := s.handler.registry.ListHealth(ctx)
	engines := make([]engineEntry, 0, len(health))
	for _, provider := range s.handler.registry.Providers() {
		engines = append(engines, engineEntry{
			ID:        provider,
			Name:      provider,
			Available: health[provider].OK,
		})
	}
	_ = s.writeJSON(ctx, enginesFrame{
		Type:    "engines",
		Engines: engines,
		Default: s.handler.cfg.DefaultEngine,
	})
}

func (s *session) writeResolveError(ctx context.Context, err error, m *frameMeter) {
	code, status := CodeSynthesisFail, http.StatusInternalServerError
	switch {
	case errors.Is(err, voice.ErrNotFound):
		code, status = CodeVoiceNotFound, http.StatusNotFound
	case errors.Is(err, voice.ErrForbidden):
		code, status = CodeForbidden, http.StatusForbidden
	case errors.Is(err, voice.ErrUnavailable):
		code, status = CodeUnavailable, http.StatusServiceUnavailable
	}
	m.status = status
	s.writeError(ctx, err.Error(), code)
}

func (s *session) writeError(ctx context.Context, message, code string) {
	if err := s.writeJSON(ctx, errorFrame{Type: "error", Error: message, Code: code}); err != nil {
		slog.Debug("session error frame not delivered", "code", code, "error", err)
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// extractKey pulls key material from the upgrade request: query api_key,
// X-API-Key header, or an Authorization bearer token.
func extractKey(r *http.Request) string {
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
