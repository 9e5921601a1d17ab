package extchat

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// SendFunc delivers one outbound message to a platform recipient.
type SendFunc func(text string) error

const (
	defaultFlushDelay    = 500 * time.Millisecond
	defaultForceFlush    = 10 * time.Second
	defaultMaxBuffer     = 4096
	defaultPlatformLimit = 4000
)

// ResponseBuffer coalesces streaming deltas into platform-sized messages.
// One instance serves one recipient; the mutex serializes adds, flushes,
// and timer callbacks, so sends for that recipient never interleave.
// Nothing is ever dropped or trimmed: the concatenation of everything
// handed to sendFn equals the concatenation of everything added.
type ResponseBuffer struct {
	send SendFunc
	log  zerolog.Logger

	flushDelay    time.Duration
	forceAfter    time.Duration
	maxBuffer     int
	platformLimit int

	mu         sync.Mutex
	buf        strings.Builder
	delayTimer *time.Timer
	forceTimer *time.Timer
	destroyed  bool
}

func NewResponseBuffer(send SendFunc, log zerolog.Logger) *ResponseBuffer {
	return &ResponseBuffer{
		send:          send,
		log:           log,
		flushDelay:    defaultFlushDelay,
		forceAfter:    defaultForceFlush,
		maxBuffer:     defaultMaxBuffer,
		platformLimit: defaultPlatformLimit,
	}
}

// Add appends one streaming delta. Sentence-ending chunks and buffers past
// the size cap flush immediately; anything else flushes after the delay
// elapses with no further adds, or when the force-flush deadline hits.
func (b *ResponseBuffer) Add(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}

	// A chunk that would cross the cap flushes the buffered text first.
	if b.buf.Len() > 0 && b.buf.Len()+len(chunk) > b.maxBuffer {
		b.flushLocked()
	}
	b.buf.WriteString(chunk)

	switch {
	case b.buf.Len() > b.maxBuffer:
		b.flushLocked()
	case endsSentence(chunk):
		b.flushLocked()
	default:
		b.resetDelayLocked()
		if b.forceTimer == nil {
			b.forceTimer = time.AfterFunc(b.forceAfter, b.Flush)
		}
	}
}

// Flush sends whatever is buffered. Safe to call at any time, including
// from timers racing a concurrent Add.
func (b *ResponseBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Destroy cancels the timers and drops any buffered text.
func (b *ResponseBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimersLocked()
	b.buf.Reset()
	b.destroyed = true
}

func (b *ResponseBuffer) flushLocked() {
	b.stopTimersLocked()
	if b.buf.Len() == 0 {
		return
	}
	text := b.buf.String()
	b.buf.Reset()
	for _, part := range splitMessage(text, b.platformLimit) {
		if err := b.send(part); err != nil {
			b.log.Warn().Err(err).Int("chars", len(part)).Msg("outbound send failed")
		}
	}
}

func (b *ResponseBuffer) stopTimersLocked() {
	if b.delayTimer != nil {
		b.delayTimer.Stop()
		b.delayTimer = nil
	}
	if b.forceTimer != nil {
		b.forceTimer.Stop()
		b.forceTimer = nil
	}
}

func (b *ResponseBuffer) resetDelayLocked() {
	if b.delayTimer != nil {
		b.delayTimer.Stop()
	}
	b.delayTimer = time.AfterFunc(b.flushDelay, b.Flush)
}

func endsSentence(chunk string) bool {
	trimmed := strings.TrimRightFunc(chunk, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// sentence ends, then whitespace, then a hard cut. The cut lands after the
// boundary rune so the pieces concatenate back to the input.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		window := runes[:limit]
		cut := lastSentenceEnd(window)
		if cut == 0 {
			cut = lastSpace(window)
		}
		if cut == 0 {
			cut = limit
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastSentenceEnd(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return 0
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}
