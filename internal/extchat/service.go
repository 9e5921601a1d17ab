package extchat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/llm"
	"github.com/chamsddine/relay/internal/store"
)

const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"

	defaultHistoryLimit = 40

	onboardingHint = "This chat is not paired with an assistant yet. " +
		"Generate a pairing code in the app, then send: /pair <CODE>"
	genericFailure = "Something went wrong on my side. Please try again."
)

// Turner runs one conversation turn to completion. *engine.Orchestrator
// satisfies it.
type Turner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
}

// InboundMessage is one user message, normalized across platforms.
type InboundMessage struct {
	Platform   string
	ExternalID string
	Username   string
	Text       string
}

// MessageRecorder counts inbound messages per platform. A nil recorder
// disables counting.
type MessageRecorder interface {
	RecordChatMessage(platform string)
}

// Service routes inbound platform messages: pairing commands first, then
// paired conversations through the orchestrator with streamed replies.
type Service struct {
	store    *store.Store
	turns    Turner
	pairing  *PairingService
	recorder MessageRecorder
	log      zerolog.Logger

	provider     string
	model        string
	historyLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(st *store.Store, turns Turner, pairing *PairingService, provider, model string, log zerolog.Logger) *Service {
	return &Service{
		store:        st,
		turns:        turns,
		pairing:      pairing,
		log:          log.With().Str("component", "extchat").Logger(),
		provider:     provider,
		model:        model,
		historyLimit: defaultHistoryLimit,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Pairing exposes code issuance to the HTTP layer.
func (s *Service) Pairing() *PairingService { return s.pairing }

// SetRecorder attaches a message counter. Must be called before the
// bridges start delivering.
func (s *Service) SetRecorder(rec MessageRecorder) { s.recorder = rec }

// HandleInbound processes one platform message end to end: commands are
// answered directly, everything else becomes a conversation turn. Replies
// go out through send; errors are answered in-band, never returned.
func (s *Service) HandleInbound(ctx context.Context, msg InboundMessage, send SendFunc) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if s.recorder != nil {
		s.recorder.RecordChatMessage(msg.Platform)
	}
	if name, args, ok := parseCommand(text); ok {
		s.handleCommand(ctx, msg, name, args, send)
		return
	}

	acct, err := s.store.GetAccountByExternalID(ctx, msg.Platform, msg.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		s.reply(send, onboardingHint)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("platform", msg.Platform).Msg("account lookup failed")
		s.reply(send, genericFailure)
		return
	}
	s.runConversation(ctx, acct, text, send)
}

func (s *Service) handleCommand(ctx context.Context, msg InboundMessage, name, args string, send SendFunc) {
	switch name {
	case "start", "help":
		s.reply(send, onboardingHint)

	case "pair":
		code := strings.ToUpper(strings.TrimSpace(args))
		if code == "" {
			s.reply(send, "Usage: /pair <CODE>")
			return
		}
		_, err := s.store.RedeemPairing(ctx, code, msg.Platform, msg.ExternalID, msg.Username)
		if err != nil {
			s.log.Info().Err(err).Str("platform", msg.Platform).Msg("pairing denied")
			s.reply(send, redemptionDenial(err))
			return
		}
		s.reply(send, "Paired. Messages you send here now reach your assistant. Use /unpair to disconnect.")

	case "unpair":
		err := s.store.DeleteAccountByExternalID(ctx, msg.Platform, msg.ExternalID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.reply(send, "This chat is not paired.")
		case err != nil:
			s.log.Error().Err(err).Str("platform", msg.Platform).Msg("unpair failed")
			s.reply(send, genericFailure)
		default:
			s.reply(send, "Unpaired. Send /pair <CODE> to link again.")
		}

	default:
		s.reply(send, "Unknown command. "+onboardingHint)
	}
}

func (s *Service) runConversation(ctx context.Context, acct *store.ExternalAccount, text string, send SendFunc) {
	key := acct.ConversationKey()

	// One turn at a time per conversation: adapter calls for the same
	// key must never overlap.
	lock := s.conversationLock(key)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.store.History(ctx, key, s.historyLimit)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", key).Msg("history load failed")
		s.reply(send, genericFailure)
		return
	}

	userMsg := llm.Message{Role: llm.RoleUser, Content: text}
	if _, err := s.store.AppendMessage(ctx, key, userMsg, s.model, llm.Usage{}); err != nil {
		s.log.Error().Err(err).Str("conversation", key).Msg("persist user message failed")
		s.reply(send, genericFailure)
		return
	}
	if err := s.store.TouchAccount(ctx, acct.ID); err != nil {
		s.log.Warn().Err(err).Str("conversation", key).Msg("touch account failed")
	}

	buffer := NewResponseBuffer(send, s.log)
	defer buffer.Destroy()

	streamed := false
	messages := append(history, userMsg)
	result, err := s.turns.RunTurn(ctx, engine.TurnRequest{
		Provider: s.provider,
		Model:    s.model,
		Messages: messages,
		OnChunk: func(chunk llm.Chunk) {
			if chunk.Kind == llm.ChunkContent && chunk.Text != "" {
				streamed = true
				buffer.Add(chunk.Text)
			}
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("conversation", key).Msg("turn failed")
		s.reply(send, genericFailure)
		return
	}

	buffer.Flush()

	// Recovered turns synthesize their apology without streaming it;
	// anything that never went through the buffer is sent whole.
	if !streamed {
		if final := result.Message.Text(); final != "" {
			s.reply(send, final)
		}
	}

	s.persistTurn(ctx, key, messages, result)
}

// persistTurn appends every message the turn produced beyond the input
// prefix. Turn usage lands on the final assistant message.
func (s *Service) persistTurn(ctx context.Context, key string, input []llm.Message, result *engine.TurnResult) {
	produced := result.Messages[len(input):]
	for i, m := range produced {
		usage := llm.Usage{}
		if i == len(produced)-1 {
			usage = result.Usage
		}
		if _, err := s.store.AppendMessage(ctx, key, m, s.model, usage); err != nil {
			s.log.Error().Err(err).Str("conversation", key).Msg("persist turn failed")
			return
		}
	}
}

func (s *Service) conversationLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Service) reply(send SendFunc, text string) {
	if err := send(text); err != nil {
		s.log.Warn().Err(err).Msg("reply send failed")
	}
}

// parseCommand splits "/pair ABC" into name and argument. Telegram appends
// "@botname" to commands issued in groups; the suffix is dropped.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	name, args, _ = strings.Cut(text[1:], " ")
	if name == "" {
		return "", "", false
	}
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// redemptionDenial maps storage errors to user-facing denials. Attempt
// exhaustion gets a uniform answer so probing reveals nothing about the
// code's state.
func redemptionDenial(err error) string {
	switch {
	case errors.Is(err, store.ErrTooManyAttempts):
		return "Too many attempts for this code. Generate a new one."
	case errors.Is(err, store.ErrCodeExpired):
		return "That code has expired. Generate a new one."
	case errors.Is(err, store.ErrCodeUsed):
		return "That code was already used."
	case errors.Is(err, store.ErrCodeInvalid):
		return "That code is not valid."
	case errors.Is(err, store.ErrExternalIDTaken):
		return "This chat is already paired."
	case errors.Is(err, store.ErrPlatformLinked):
		return "Your account already has a paired chat on this platform. Send /unpair there first."
	default:
		return genericFailure
	}
}
