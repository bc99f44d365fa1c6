package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"market-chat/internal/conversation"
	"market-chat/internal/domain"
	"market-chat/internal/lock"
)

const (
	defaultMaxQuestion      = 300
	defaultFreeMessageLimit = 3
	defaultLockWait         = 30 * time.Second
	maxTitleRunes           = 100
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ChatConfig holds the limits of a ChatService.
type ChatConfig struct {
	ParamPrefix      string
	MaxQuestionLen   int
	FreeMessageLimit int
	LockWait         time.Duration
}

// ChatService is the entry point for transports: it gates by identity and
// tier, serializes cycles per conversation, and runs the dispatcher.
type ChatService struct {
	params     ParamGetter
	dispatcher *Dispatcher
	reconciler *Reconciler
	gateway    Persister
	convs      ConversationStore
	users      UserStore
	locker     lock.Locker
	cfg        ChatConfig
	logger     *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	openaiModel  string
}

type ChatDeps struct {
	Params     ParamGetter
	Dispatcher *Dispatcher
	Reconciler *Reconciler
	Gateway    Persister
	Convs      ConversationStore
	Users      UserStore
	Locker     lock.Locker
	Logger     *slog.Logger
}

type SubmitInput struct {
	Identity       domain.Identity
	ConversationID string
	Message        string
	// State is the encoded snapshot a client holds for a conversation that is
	// not stored server-side.
	State string
}

type SubmitOutput struct {
	ConversationID string
	State          string
	Persisted      bool
}

type LoadOutput struct {
	Conversation domain.ConversationSummary
	Units        []domain.RenderUnit
}

type CreateOutput struct {
	ConversationID string
	Persisted      bool
}

func NewChatService(deps ChatDeps, cfg ChatConfig) (*ChatService, error) {
	if deps.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if deps.Dispatcher == nil || deps.Reconciler == nil || deps.Gateway == nil {
		return nil, errors.New("usecase: dispatcher, reconciler and gateway are required")
	}
	if deps.Convs == nil || deps.Users == nil {
		return nil, errors.New("usecase: conversation and user stores are required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxQuestionLen <= 0 {
		cfg.MaxQuestionLen = defaultMaxQuestion
	}
	if cfg.FreeMessageLimit <= 0 {
		cfg.FreeMessageLimit = defaultFreeMessageLimit
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	return &ChatService{
		params:     deps.Params,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		gateway:    deps.Gateway,
		convs:      deps.Convs,
		users:      deps.Users,
		locker:     deps.Locker,
		cfg:        cfg,
		logger:     deps.Logger,
	}, nil
}

// Submit runs one dispatch cycle for a user message. Render units are passed to
// emit as they are produced.
func (s *ChatService) Submit(ctx context.Context, in SubmitInput, emit Emit) (SubmitOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return SubmitOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxQuestionLen {
		return SubmitOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}

	profile, err := s.checkQuota(ctx, in.Identity)
	if err != nil {
		return SubmitOutput{}, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	unlock, err := s.locker.Acquire(lockCtx, convID)
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return SubmitOutput{}, newError(ErrorConflict, "conversation_busy", err)
		}
		return SubmitOutput{}, newError(ErrorInternal, "lock_error", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "release conversation lock", "err", err)
		}
	}()

	store, err := s.openStore(ctx, convID, in, profile)
	if err != nil {
		return SubmitOutput{}, err
	}
	if profile, err = s.countMessage(ctx, in.Identity, profile); err != nil {
		return SubmitOutput{}, err
	}

	s.cacheMu.RLock()
	system := buildSystemPrompt(s.pinnedPrompt, displayName(in.Identity, profile))
	model := s.openaiModel
	s.cacheMu.RUnlock()

	snap, err := s.dispatcher.Dispatch(ctx, Turn{
		Store:     store,
		OwnerID:   in.Identity.UserID,
		Utterance: message,
		Model:     model,
		System:    system,
	}, emit)
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "dispatch_error", err)
	}

	state, err := domain.EncodeState(snap)
	if err != nil {
		return SubmitOutput{}, newError(ErrorInternal, "state_encode_error", err)
	}
	return SubmitOutput{
		ConversationID: convID,
		State:          state,
		Persisted:      !in.Identity.Anonymous() && profile.Tier.Entitled(),
	}, nil
}

// checkQuota loads the caller's profile and rejects free users who have used
// up their messages. Nothing is counted yet.
func (s *ChatService) checkQuota(ctx context.Context, id domain.Identity) (domain.UserProfile, error) {
	if id.Anonymous() {
		return domain.UserProfile{Tier: domain.TierFree}, nil
	}
	profile, err := s.users.GetProfile(ctx, id.UserID)
	if err != nil {
		return domain.UserProfile{}, newError(ErrorInternal, "profile_load_error", err)
	}
	if !profile.Tier.Entitled() && profile.MessageCount >= s.cfg.FreeMessageLimit {
		return domain.UserProfile{}, newError(ErrorQuotaExceeded, "free_message_limit", nil)
	}
	return profile, nil
}

// countMessage meters a free user's message once the cycle is certain to run.
func (s *ChatService) countMessage(ctx context.Context, id domain.Identity, profile domain.UserProfile) (domain.UserProfile, error) {
	if id.Anonymous() || profile.Tier.Entitled() {
		return profile, nil
	}
	n, err := s.users.IncrementMessageCount(ctx, id.UserID)
	if err != nil {
		return domain.UserProfile{}, newError(ErrorInternal, "message_count_error", err)
	}
	profile.MessageCount = n
	return profile, nil
}

// openStore resumes a stored conversation for entitled users, or the client's
// state blob for everyone else.
func (s *ChatService) openStore(ctx context.Context, convID string, in SubmitInput, profile domain.UserProfile) (*conversation.Store, error) {
	if !in.Identity.Anonymous() && profile.Tier.Entitled() {
		rec, err := s.convs.GetConversation(ctx, convID)
		switch {
		case errors.Is(err, domain.ErrConversationNotFound):
			return conversation.New(convID)
		case err != nil:
			return nil, newError(ErrorInternal, "conversation_load_error", err)
		case rec.OwnerID != in.Identity.UserID:
			return nil, newError(ErrorNotFound, "conversation_not_found", nil)
		}
		snap, issues, err := domain.DecodeState(rec.StateData)
		if err != nil {
			return nil, newError(ErrorInternal, "state_decode_error", err)
		}
		for _, issue := range issues {
			s.logger.WarnContext(ctx, "stored entry is unreadable", "err", issue)
		}
		snap.ConversationID = convID
		return conversation.FromSnapshot(snap)
	}

	if strings.TrimSpace(in.State) == "" {
		return conversation.New(convID)
	}
	snap, _, err := domain.DecodeState(in.State)
	if err != nil {
		return nil, newError(ErrorInvalidInput, "invalid_state", err)
	}
	if snap.ConversationID != convID {
		return nil, newError(ErrorInvalidInput, "state_conversation_mismatch", nil)
	}
	return conversation.FromSnapshot(snap)
}

// Load returns the render units of a stored conversation.
func (s *ChatService) Load(ctx context.Context, id domain.Identity, conversationID string) (LoadOutput, error) {
	if _, err := s.requirePremium(ctx, id); err != nil {
		return LoadOutput{}, err
	}
	rec, err := s.ownedRecord(ctx, id, conversationID)
	if err != nil {
		return LoadOutput{}, err
	}
	_, units, _ := s.reconciler.Load(ctx, rec.StateData) // corrupt state renders as an error unit
	return LoadOutput{
		Conversation: domain.ConversationSummary{ID: rec.ID, Title: rec.Title, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt},
		Units:        units,
	}, nil
}

// Restore renders a client-held state blob.
func (s *ChatService) Restore(ctx context.Context, state string) ([]domain.RenderUnit, error) {
	if strings.TrimSpace(state) == "" {
		return nil, newError(ErrorInvalidInput, "empty_state", nil)
	}
	_, units, err := s.reconciler.Load(ctx, state)
	if err != nil {
		return nil, newError(ErrorInvalidInput, "invalid_state", err)
	}
	return units, nil
}

func (s *ChatService) List(ctx context.Context, id domain.Identity) ([]domain.ConversationSummary, error) {
	if _, err := s.requirePremium(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.convs.ListConversations(ctx, id.UserID)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_list_error", err)
	}
	if out == nil {
		out = []domain.ConversationSummary{}
	}
	return out, nil
}

func (s *ChatService) Rename(ctx context.Context, id domain.Identity, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return newError(ErrorInvalidInput, "empty_title", nil)
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return newError(ErrorInvalidInput, "title_too_long", nil)
	}
	if _, err := s.requirePremium(ctx, id); err != nil {
		return err
	}
	if err := s.convs.RenameConversation(ctx, conversationID, id.UserID, title); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorInternal, "conversation_rename_error", err)
	}
	return nil
}

func (s *ChatService) Delete(ctx context.Context, id domain.Identity, conversationID string) error {
	if _, err := s.requirePremium(ctx, id); err != nil {
		return err
	}
	if err := s.convs.DeleteConversation(ctx, conversationID, id.UserID); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorInternal, "conversation_delete_error", err)
	}
	return nil
}

// Create mints a conversation id. Premium users also get an empty stored record.
func (s *ChatService) Create(ctx context.Context, id domain.Identity) (CreateOutput, error) {
	if id.Anonymous() {
		return CreateOutput{}, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	profile, err := s.users.GetProfile(ctx, id.UserID)
	if err != nil {
		return CreateOutput{}, newError(ErrorInternal, "profile_load_error", err)
	}
	convID := newUUID()
	if !profile.Tier.Entitled() {
		return CreateOutput{ConversationID: convID}, nil
	}
	if !s.gateway.Upsert(ctx, convID, id.UserID, domain.Snapshot{ConversationID: convID}) {
		return CreateOutput{}, newError(ErrorInternal, "conversation_create_error", nil)
	}
	return CreateOutput{ConversationID: convID, Persisted: true}, nil
}

func (s *ChatService) Profile(ctx context.Context, id domain.Identity) (domain.UserProfile, error) {
	if id.Anonymous() {
		return domain.UserProfile{}, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	profile, err := s.users.GetProfile(ctx, id.UserID)
	if err != nil {
		return domain.UserProfile{}, newError(ErrorInternal, "profile_load_error", err)
	}
	if profile.DisplayName == "" {
		profile.DisplayName = id.DisplayName
	}
	return profile, nil
}

func (s *ChatService) ResetMessageCount(ctx context.Context, id domain.Identity) error {
	if id.Anonymous() {
		return newError(ErrorUnauthorized, "missing_identity", nil)
	}
	if err := s.users.ResetMessageCount(ctx, id.UserID); err != nil {
		return newError(ErrorInternal, "message_count_error", err)
	}
	return nil
}

func (s *ChatService) requirePremium(ctx context.Context, id domain.Identity) (domain.UserProfile, error) {
	if id.Anonymous() {
		return domain.UserProfile{}, newError(ErrorUnauthorized, "missing_identity", nil)
	}
	profile, err := s.users.GetProfile(ctx, id.UserID)
	if err != nil {
		return domain.UserProfile{}, newError(ErrorInternal, "profile_load_error", err)
	}
	if !profile.Tier.Entitled() {
		return domain.UserProfile{}, newError(ErrorForbidden, "premium_required", nil)
	}
	return profile, nil
}

// ownedRecord hides records of other owners behind NOT_FOUND.
func (s *ChatService) ownedRecord(ctx context.Context, id domain.Identity, conversationID string) (domain.Record, error) {
	rec, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return domain.Record{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.Record{}, newError(ErrorInternal, "conversation_load_error", err)
	}
	if rec.OwnerID != id.UserID {
		return domain.Record{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return rec, nil
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, err := s.params.GetParameter(ctx, s.cfg.ParamPrefix+"/pinned_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	openaiModel, err := s.params.GetParameter(ctx, s.cfg.ParamPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.pinnedPrompt = pinnedPrompt
	s.openaiModel = strings.TrimSpace(openaiModel)
	s.cacheLoaded = true
	return nil
}

func displayName(id domain.Identity, profile domain.UserProfile) string {
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(profile.DisplayName)
}

var newUUID = func() string {
	return uuid.NewString()
}
