package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/auth"
	"github.com/MarcoPoloResearchLab/timberline/internal/broadcast"
	"github.com/MarcoPoloResearchLab/timberline/internal/database"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultAuthTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTimeout       = 90 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultPageSize          = 200
)

// Close reasons reported to the client and recorded on the session.
const (
	ReasonClientClosed     = "client_closed"
	ReasonTransportFailure = "transport_failure"
	ReasonAuthFailed       = "auth_failed"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonShutdown         = broadcast.ReasonShutdown
)

// Error codes carried in authentication_response, mutation_response and error messages.
const (
	codeInvalidKey           = "invalid_key"
	codeRevokedKey           = "revoked_key"
	codeTenantUnknown        = "tenant_unknown"
	codeStoreUnavailable     = "store_unavailable"
	codeNotAuthenticated     = "not_authenticated"
	codeAlreadyAuthenticated = "already_authenticated"
	codeMalformedMessage     = "malformed_message"
	codeUnknownMessageType   = "unknown_message_type"
	codeMissingMutationID    = "missing_mutation_id"
	codeInvalidEntity        = "invalid_entity"
	codeConstraintViolation  = "constraint_violation"
	codeForbidden            = "forbidden"
	codeInternal             = "internal_error"
)

var (
	errMissingConn          = errors.New("session: transport connection required")
	errMissingAuthenticator = errors.New("session: authenticator required")
	errMissingRepositories  = errors.New("session: repository directory required")
	errMissingBroadcaster   = errors.New("session: broadcaster required")
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSyncing
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one bidirectional message transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(reason string) error
}

// Authenticator resolves an API key to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (auth.Identity, error)
}

// Repositories hands out the repository of a tenant and forgets broken stores.
type Repositories interface {
	Repository(ctx context.Context, tenantID string) (*records.Repository, error)
	Evict(tenantID string)
}

// Broadcaster fans committed changes out to the sessions of a tenant.
type Broadcaster interface {
	Subscribe(tenantID, sessionID string) *broadcast.Subscription
	Unsubscribe(tenantID, sessionID string)
	Publish(notice broadcast.Notice) int
	CloseTenant(tenantID, reason string) int
}

// KeyUsage records successful key use. Optional.
type KeyUsage interface {
	Touch(ctx context.Context, keyID string)
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Authenticator Authenticator
	Repositories  Repositories
	Broadcaster   Broadcaster
	KeyUsage      KeyUsage
	Logger        *zap.Logger
}

// Config tunes session timing and paging.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	PageSize          int
	Clock             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Session drives one client connection through authentication, catch-up and
// live exchange. All writes happen on the goroutine running Run.
type Session struct {
	id     string
	conn   Conn
	deps   Dependencies
	config Config
	logger *zap.Logger

	state  atomic.Int32
	reason atomic.Value

	identity     auth.Identity
	repository   *records.Repository
	subscription *broadcast.Subscription
	// syncedThrough is the change-log bound already covered by catch-up;
	// notices at or below it were streamed and are skipped.
	syncedThrough int64
}

// New validates dependencies and prepares a session for conn.
func New(conn Conn, deps Dependencies, config Config) (*Session, error) {
	switch {
	case conn == nil:
		return nil, errMissingConn
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Repositories == nil:
		return nil, errMissingRepositories
	case deps.Broadcaster == nil:
		return nil, errMissingBroadcaster
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		deps:   deps,
		config: config.withDefaults(),
		logger: logger.With(zap.String("session_id", id)),
	}, nil
}

// ID returns the session identifier used as broadcast origin.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Reason returns why the session closed; empty while it runs.
func (s *Session) Reason() string {
	reason, _ := s.reason.Load().(string)
	return reason
}

// Run serves the connection until it closes. It returns an error only for
// transport or storage failures.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, inbound, readErr)

	reason, err := s.serve(ctx, inbound, readErr)
	s.shutdown(ctx, reason, err)
	return err
}

func (s *Session) readLoop(ctx context.Context, inbound chan<- []byte, readErr chan<- error) {
	for {
		payload, err := s.conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) serve(ctx context.Context, inbound <-chan []byte, readErr <-chan error) (string, error) {
	s.setState(StateConnecting)
	if err := s.send(ctx, MessageConnectionStatus, "", connectionStatusPayload{Status: StatusConnected}); err != nil {
		return ReasonTransportFailure, err
	}

	s.setState(StateAuthenticating)
	cursor, reason, err := s.authenticate(ctx, inbound, readErr)
	if reason != "" {
		return reason, err
	}

	s.setState(StateSyncing)
	if reason, err := s.catchUp(ctx, cursor); reason != "" {
		return reason, err
	}

	s.setState(StateLive)
	return s.live(ctx, inbound, readErr)
}

func (s *Session) authenticate(ctx context.Context, inbound <-chan []byte, readErr <-chan error) (int64, string, error) {
	timer := time.NewTimer(s.config.AuthTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ReasonShutdown, nil
		case err := <-readErr:
			return 0, s.readEnded(ctx, err), nil
		case <-timer.C:
			_ = s.sendAuthFailure(ctx, ReasonAuthTimeout)
			return 0, ReasonAuthTimeout, nil
		case payload := <-inbound:
			envelope, err := DecodeEnvelope(payload)
			if err != nil || envelope.Type != MessageAuthenticationRequest {
				if err := s.sendAuthFailure(ctx, codeNotAuthenticated); err != nil {
					return 0, ReasonTransportFailure, err
				}
				continue
			}
			var request AuthenticationRequest
			if err := json.Unmarshal(envelope.Data, &request); err != nil {
				_ = s.sendAuthFailure(ctx, codeInvalidKey)
				return 0, ReasonAuthFailed, nil
			}
			return s.admit(ctx, request)
		}
	}
}

func (s *Session) admit(ctx context.Context, request AuthenticationRequest) (int64, string, error) {
	identity, err := s.deps.Authenticator.Authenticate(ctx, request.APIKey)
	if err != nil {
		code := authErrorCode(err)
		s.logger.Warn("session authentication failed", zap.String("code", code), zap.Error(err))
		if sendErr := s.sendAuthFailure(ctx, code); sendErr != nil {
			return 0, ReasonTransportFailure, sendErr
		}
		return 0, ReasonAuthFailed, nil
	}

	repository, err := s.deps.Repositories.Repository(ctx, identity.TenantID)
	if err != nil {
		code := authErrorCode(err)
		s.logger.Error("tenant repository unavailable",
			zap.String("tenant_id", identity.TenantID), zap.Error(err))
		_ = s.sendAuthFailure(ctx, code)
		if code == codeStoreUnavailable {
			return 0, ReasonStoreUnavailable, err
		}
		return 0, ReasonAuthFailed, nil
	}

	s.identity = identity
	s.repository = repository
	s.logger = s.logger.With(zap.String("tenant_id", identity.TenantID), zap.String("user_id", identity.UserID))
	s.subscription = s.deps.Broadcaster.Subscribe(identity.TenantID, s.id)

	role := identity.Role
	response := AuthenticationResponse{
		Authenticated: true,
		ID:            identity.UserID,
		Name:          identity.Name,
		Role:          &role,
		Tenant:        identity.TenantID,
		LastEdit:      identity.LastEdit,
	}
	if err := s.send(ctx, MessageAuthenticationResponse, "", response); err != nil {
		return 0, ReasonTransportFailure, err
	}
	if s.deps.KeyUsage != nil && identity.KeyID != "" {
		s.deps.KeyUsage.Touch(ctx, identity.KeyID)
	}
	s.logger.Info("session authenticated")

	cursor := request.Cursor
	if cursor < 0 {
		cursor = 0
	}
	return cursor, "", nil
}

// catchUp streams every entry after cursor that was committed when it started,
// then reports the resume cursor.
func (s *Session) catchUp(ctx context.Context, cursor int64) (string, error) {
	changeLog := s.repository.ChangeLog()
	until := changeLog.Watermark()
	streamed := 0
	for entry, err := range changeLog.ReadRange(ctx, cursor, until, s.config.PageSize) {
		if err != nil {
			return s.storeFailure(ctx, err)
		}
		if err := s.sendEntry(ctx, entry); err != nil {
			return ReasonTransportFailure, err
		}
		streamed++
	}

	resume := max(cursor, until)
	s.syncedThrough = max(s.syncedThrough, until)
	if err := s.send(ctx, MessageSyncFromServerComplete, "", SyncFromServerComplete{Cursor: resume}); err != nil {
		return ReasonTransportFailure, err
	}
	s.logger.Debug("catch-up complete",
		zap.Int64("from", cursor), zap.Int64("cursor", resume), zap.Int("entries", streamed))
	return "", nil
}

func (s *Session) live(ctx context.Context, inbound <-chan []byte, readErr <-chan error) (string, error) {
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case err := <-readErr:
			return s.readEnded(ctx, err), nil
		case <-s.subscription.Done():
			return s.subscription.Reason(), nil
		case notice := <-s.subscription.Notices():
			if notice.Entry.ArrivalAtServer <= s.syncedThrough {
				continue
			}
			if err := s.sendEntry(ctx, notice.Entry); err != nil {
				return ReasonTransportFailure, err
			}
		case <-heartbeat.C:
			if err := s.send(ctx, MessagePing, "", nil); err != nil {
				return ReasonTransportFailure, err
			}
		case <-idle.C:
			return ReasonIdleTimeout, nil
		case payload := <-inbound:
			idle.Reset(s.config.IdleTimeout)
			if reason, err := s.dispatch(ctx, payload); reason != "" {
				return reason, err
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, payload []byte) (string, error) {
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		return s.sendError(ctx, codeMalformedMessage, err.Error())
	}

	switch envelope.Type {
	case MessagePing:
		return s.sendOrFail(ctx, MessagePong, nil)
	case MessagePong:
		return "", nil
	case MessageSyncComplete:
		return s.sendOrFail(ctx, MessageSyncToServerComplete, nil)
	case MessageSyncRequest:
		var request SyncRequest
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &request); err != nil {
				return s.sendError(ctx, codeMalformedMessage, err.Error())
			}
		}
		return s.catchUp(ctx, max(request.Cursor, 0))
	case MessageAuthenticationRequest:
		return s.sendError(ctx, codeAlreadyAuthenticated, "")
	}

	kind, deletion, err := records.ParseMessageType(envelope.Type)
	if err != nil {
		return s.sendError(ctx, codeUnknownMessageType, envelope.Type)
	}
	return s.mutate(ctx, envelope, kind, deletion)
}

func (s *Session) mutate(ctx context.Context, envelope Envelope, kind records.Kind, deletion bool) (string, error) {
	response := MutationResponse{MutationID: envelope.ID, Kind: kind}
	if envelope.ID == "" {
		response.Status = MutationInvalid
		response.Error = codeMissingMutationID
		return s.sendOrFail(ctx, MessageMutationResponse, response)
	}

	entity, err := records.Decode(kind, envelope.Data)
	if err != nil {
		response.Status = MutationInvalid
		response.Error = codeInvalidEntity
		response.Detail = err.Error()
		return s.sendOrFail(ctx, MessageMutationResponse, response)
	}
	response.EntityID = entity.Meta().ID

	// The commit must finish even if the client goes away mid-flight.
	outcome, err := s.repository.Upsert(context.WithoutCancel(ctx), records.Mutation{
		ID:        envelope.ID,
		SessionID: s.id,
		Author:    records.Author{UserID: s.identity.UserID, Role: s.identity.Role},
		Entity:    entity,
		Delete:    deletion,
	})
	if err != nil {
		if errors.Is(err, database.ErrStoreUnavailable) {
			return s.storeFailure(ctx, err)
		}
		response.Status = MutationInvalid
		response.Error = mutationErrorCode(err)
		response.Detail = err.Error()
		return s.sendOrFail(ctx, MessageMutationResponse, response)
	}

	switch {
	case outcome.Duplicate:
		response.Status = MutationDuplicate
	case outcome.Verdict.Applied():
		response.Status = MutationApplied
	default:
		response.Status = MutationRejected
	}
	response.Row = outcome.Row
	if outcome.Row != nil {
		response.Cursor = outcome.Row.Meta().ArrivalAtServer
	}

	if outcome.Committed() {
		s.deps.Broadcaster.Publish(broadcast.Notice{
			TenantID:      s.identity.TenantID,
			OriginSession: s.id,
			Entry:         *outcome.Entry,
		})
	}
	return s.sendOrFail(ctx, MessageMutationResponse, response)
}

// storeFailure closes every session of the tenant and drops its store handle.
func (s *Session) storeFailure(ctx context.Context, err error) (string, error) {
	if ctx.Err() != nil && !errors.Is(err, database.ErrStoreUnavailable) {
		return ReasonShutdown, nil
	}
	s.logger.Error("tenant store failure", zap.Error(err))
	s.deps.Broadcaster.CloseTenant(s.identity.TenantID, ReasonStoreUnavailable)
	s.deps.Repositories.Evict(s.identity.TenantID)
	return ReasonStoreUnavailable, fmt.Errorf("session %s: %w", s.id, err)
}

func (s *Session) shutdown(ctx context.Context, reason string, cause error) {
	s.setState(StateClosing)
	s.reason.Store(reason)
	if s.subscription != nil {
		s.deps.Broadcaster.Unsubscribe(s.identity.TenantID, s.id)
	}
	if reason != ReasonTransportFailure && reason != ReasonClientClosed {
		_ = s.send(context.WithoutCancel(ctx), MessageConnectionStatus, "",
			connectionStatusPayload{Status: StatusDisconnected, Reason: reason})
	}
	if err := s.conn.Close(reason); err != nil {
		s.logger.Debug("transport close failed", zap.Error(err))
	}
	s.setState(StateClosed)

	fields := []zap.Field{zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Info("session closed", fields...)
}

func (s *Session) sendEntry(ctx context.Context, entry records.ChangeEntry) error {
	return s.send(ctx, entryMessageType(entry), entry.EntryID, json.RawMessage(entry.Snapshot))
}

func (s *Session) sendAuthFailure(ctx context.Context, code string) error {
	return s.send(ctx, MessageAuthenticationResponse, "", AuthenticationResponse{Authenticated: false, Error: code})
}

func (s *Session) sendError(ctx context.Context, code, detail string) (string, error) {
	return s.sendOrFail(ctx, MessageError, errorPayload{Error: code, Detail: detail})
}

func (s *Session) sendOrFail(ctx context.Context, messageType string, data any) (string, error) {
	if err := s.send(ctx, messageType, "", data); err != nil {
		return ReasonTransportFailure, err
	}
	return "", nil
}

func (s *Session) send(ctx context.Context, messageType, id string, data any) error {
	payload, err := encodeEnvelope(messageType, id, s.config.Clock().UnixMilli(), data)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, payload); err != nil {
		return fmt.Errorf("write %s: %w", messageType, err)
	}
	return nil
}

func (s *Session) readEnded(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return ReasonShutdown
	}
	s.logger.Debug("transport read ended", zap.Error(err))
	return ReasonClientClosed
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrRevokedKey):
		return codeRevokedKey
	case errors.Is(err, auth.ErrTenantUnknown), errors.Is(err, database.ErrTenantUnknown), errors.Is(err, database.ErrInvalidTenantID):
		return codeTenantUnknown
	case errors.Is(err, database.ErrStoreUnavailable):
		return codeStoreUnavailable
	}
	return codeInvalidKey
}

func mutationErrorCode(err error) string {
	switch {
	case errors.Is(err, database.ErrConstraintViolation):
		return codeConstraintViolation
	case errors.Is(err, records.ErrForbidden):
		return codeForbidden
	case errors.Is(err, records.ErrInvalidEntity), errors.Is(err, records.ErrUnknownKind):
		return codeInvalidEntity
	}
	return codeInternal
}
