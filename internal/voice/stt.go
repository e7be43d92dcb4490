package voice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tino964MC/gemini-dc-voice-germany/internal/logging"
)

// ResultKind is the closed set of transcription outcomes. Callers handle
// each kind explicitly; no outcome escapes as a raw error.
type ResultKind int

const (
	KindText ResultKind = iota
	KindNoSpeech
	KindRateLimited
	KindServiceError
	KindUnknown
)

func (k ResultKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNoSpeech:
		return "no_speech"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceError:
		return "service_error"
	default:
		return "unknown"
	}
}

// Result is a tagged transcription outcome. Text is populated only for
// KindText.
type Result struct {
	Kind ResultKind
	Text string
}

// Transcriber converts a finalized speech segment to text. Implementations
// block on network I/O; callers must run them off the frame-delivery path.
type Transcriber interface {
	Transcribe(ctx context.Context, seg Segment) Result
}

// HTTPTranscriber wraps segment PCM in a WAV container and POSTs it to an
// external speech-to-text endpoint returning {"text": ...} JSON.
type HTTPTranscriber struct {
	URL      string
	Language string
	Client   *http.Client
}

// NewHTTPTranscriberFromEnv reads STT_URL and STT_LANGUAGE.
func NewHTTPTranscriberFromEnv() *HTTPTranscriber {
	lang := strings.TrimSpace(os.Getenv("STT_LANGUAGE"))
	if lang == "" {
		lang = "de-DE"
	}
	return &HTTPTranscriber{
		URL:      strings.TrimSpace(os.Getenv("STT_URL")),
		Language: lang,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, seg Segment) Result {
	if t.URL == "" {
		logging.Warnw("stt: STT_URL not set, dropping segment", "correlation_id", seg.CorrelationID)
		return Result{Kind: KindServiceError}
	}

	endpoint := t.URL
	if u, err := url.Parse(t.URL); err == nil {
		q := u.Query()
		if t.Language != "" {
			q.Set("language", t.Language)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	channels := seg.SampleWidth / 2
	if channels < 1 {
		channels = 1
	}
	wav := buildWAV(seg.PCM, seg.SampleRate, channels, 16)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(wav)))
	if err != nil {
		logging.Errorw("stt: build request failed", "err", err, "correlation_id", seg.CorrelationID)
		return Result{Kind: KindUnknown}
	}
	req.Header.Set("Content-Type", "audio/wav")
	if seg.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", seg.CorrelationID)
	}

	sendTs := time.Now()
	resp, err := t.Client.Do(req)
	if err != nil {
		logging.Warnw("stt: request failed", "err", err, "correlation_id", seg.CorrelationID)
		return Result{Kind: classifyTransportError(err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if kind, failed := classifyStatus(resp.StatusCode, string(body)); failed {
		logging.Warnw("stt: non-success response", "status", resp.StatusCode, "kind", kind.String(), "correlation_id", seg.CorrelationID)
		return Result{Kind: kind}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		logging.Warnw("stt: undecodable response", "err", err, "correlation_id", seg.CorrelationID)
		return Result{Kind: KindUnknown}
	}

	text := strings.TrimSpace(out.Text)
	logging.Infow("stt: response received",
		"status", resp.StatusCode,
		"latency_ms", time.Since(sendTs).Milliseconds(),
		"transcript_len", len(text),
		"correlation_id", seg.CorrelationID)
	if text == "" {
		return Result{Kind: KindNoSpeech}
	}
	return Result{Kind: KindText, Text: strings.ToLower(text)}
}

// classifyTransportError maps a request error onto the result taxonomy.
// Rate-limit wording in the error wins over the generic service failure.
func classifyTransportError(err error) ResultKind {
	if err == nil {
		return KindUnknown
	}
	if mentionsRateLimit(err.Error()) {
		return KindRateLimited
	}
	return KindServiceError
}

// classifyStatus reports (kind, true) for a failed HTTP response and
// (_, false) for success.
func classifyStatus(status int, body string) (ResultKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return KindText, false
	case status == http.StatusTooManyRequests || mentionsRateLimit(body):
		return KindRateLimited, true
	default:
		return KindServiceError, true
	}
}

func mentionsRateLimit(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "429") ||
		strings.Contains(ls, "rate limit") ||
		strings.Contains(ls, "too many requests")
}
