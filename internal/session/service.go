package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chroma_accord/internal/domain"
	"chroma_accord/internal/messaging/inproc"
	"chroma_accord/internal/party"
	"chroma_accord/internal/problem"
	"chroma_accord/internal/solver"
	"chroma_accord/internal/wire"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is no longer running")
)

// Store is the persistence surface the service needs. The sqlite
// implementation satisfies it.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) error
	UpdateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	RecordMove(ctx context.Context, m domain.Move) error
	ListMoves(ctx context.Context, sessionID string) ([]domain.Move, error)
	UpsertOffer(ctx context.Context, o domain.Offer) error
	ListOffers(ctx context.Context, sessionID string) ([]domain.Offer, error)
	LogDecision(ctx context.Context, d domain.DecisionLog) error
	ListDecisions(ctx context.Context, sessionID string) ([]domain.DecisionLog, error)
}

type Config struct {
	ConflictPenalty      float64
	ImprovementThreshold float64
	OfferExpiryTurns     int
	ExhaustiveCeiling    int
	MaxTurns             int
	BusBuffer            int
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 200
	}
	if c.BusBuffer <= 0 {
		c.BusBuffer = 64
	}
	return c
}

// runtime is the in-memory half of one session: the parties, their bus and the
// deterministic turn order.
type runtime struct {
	session domain.Session
	prob    *problem.Problem
	parties map[string]*party.Party
	order   []string
	bus     *inproc.Bus
	inboxes map[string]<-chan domain.Move
}

// Service owns every live session and drives their turn loops. Turns run to
// completion one party at a time, in sorted party order, so a session replayed
// from the same problem yields the same move sequence.
type Service struct {
	mu       sync.Mutex
	store    Store
	cfg      Config
	logger   *log.Logger
	runtimes map[string]*runtime
}

func New(store Store, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		runtimes: make(map[string]*runtime),
	}
}

// CreateSession validates the problem, runs the global solvability pre-check
// and registers the parties. An infeasible problem is fatal: the session is
// stored as failed and never negotiates.
func (s *Service) CreateSession(ctx context.Context, prob *problem.Problem) (domain.Session, error) {
	now := time.Now().UTC()
	sess := domain.Session{
		ID:        uuid.NewString(),
		Problem:   prob.Name,
		Status:    domain.SessionStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	parties := prob.Parties()
	if len(parties) < 2 {
		return domain.Session{}, fmt.Errorf("problem %s has %d parties, need at least 2", prob.Name, len(parties))
	}

	check := solver.New(prob, solver.Config{
		ConflictPenalty:   s.cfg.ConflictPenalty,
		ExhaustiveCeiling: s.cfg.ExhaustiveCeiling,
	}, s.logger)
	if err := check.GlobalSolvable(); err != nil {
		if errors.Is(err, solver.ErrInfeasibleProblem) {
			sess.Status = domain.SessionStatusFailed
			sess.LastError = err.Error()
			if storeErr := s.store.CreateSession(ctx, sess); storeErr != nil {
				s.logger.Printf("session=%s store failed session: %v", sess.ID, storeErr)
			}
			return domain.Session{}, fmt.Errorf("session %s: %w", sess.ID, err)
		}
		// Too large to pre-check: negotiate anyway, the turn cap bounds us.
		s.logger.Printf("session=%s solvability pre-check skipped: %v", sess.ID, err)
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("store session: %w", err)
	}

	rt := &runtime{
		session: sess,
		prob:    prob,
		parties: make(map[string]*party.Party, len(parties)),
		order:   parties,
		bus:     inproc.New(s.cfg.BusBuffer),
		inboxes: make(map[string]<-chan domain.Move, len(parties)),
	}
	// One id counter per session. Parties take turns strictly in order, so
	// a replayed run mints the same id for the same move or offer, keeping
	// transcripts byte-identical.
	seq := 0
	newID := func() string {
		seq++
		return fmt.Sprintf("%06d", seq)
	}
	pcfg := party.Config{
		ConflictPenalty:      s.cfg.ConflictPenalty,
		ImprovementThreshold: s.cfg.ImprovementThreshold,
		OfferExpiryTurns:     s.cfg.OfferExpiryTurns,
		ExhaustiveCeiling:    s.cfg.ExhaustiveCeiling,
		NewID:                newID,
	}
	for _, id := range parties {
		rec := &decisionRecorder{svc: s, sessionID: sess.ID}
		rt.parties[id] = party.New(id, sess.ID, prob, pcfg, s.logger, rec)
		rt.inboxes[id] = rt.bus.Register(id)
	}

	s.mu.Lock()
	s.runtimes[sess.ID] = rt
	s.mu.Unlock()

	s.logger.Printf("session=%s created problem=%s parties=%d", sess.ID, prob.Name, len(parties))
	return sess, nil
}

// Step advances the session by exactly one global turn and reports the updated
// session record.
func (s *Service) Step(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if rt.session.Status != domain.SessionStatusCreated && rt.session.Status != domain.SessionStatusRunning {
		return rt.session, fmt.Errorf("session %s is %s: %w", sessionID, rt.session.Status, ErrSessionClosed)
	}
	return s.step(ctx, rt)
}

// Run drives the session until consensus, exhaustion or context cancellation.
func (s *Service) Run(ctx context.Context, sessionID string) (domain.Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Session{}, err
		}
		sess, err := s.Step(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return sess, nil
			}
			return sess, err
		}
		if sess.Status != domain.SessionStatusRunning {
			return sess, nil
		}
	}
}

// step runs one global turn: each party in order drains its inbox, takes its
// turn to completion, and its moves are recorded and delivered before the next
// party starts. Callers hold the mutex.
func (s *Service) step(ctx context.Context, rt *runtime) (domain.Session, error) {
	rt.session.Status = domain.SessionStatusRunning
	rt.session.Turn++
	turn := rt.session.Turn

	published := 0
	for _, id := range rt.order {
		p := rt.parties[id]
		s.deliver(ctx, rt, p)

		for _, move := range p.TakeTurn(turn) {
			if err := wire.Validate(move); err != nil {
				s.logger.Printf("session=%s party=%s dropped outgoing move: %v", rt.session.ID, id, err)
				continue
			}
			// Turn-derived, not wall-clock: transcripts of two runs of the
			// same problem and config must match byte for byte.
			move.CreatedAt = time.Unix(int64(turn), 0).UTC()
			if err := s.store.RecordMove(ctx, move); err != nil {
				s.logger.Printf("session=%s record move %s: %v", rt.session.ID, move.ID, err)
			}
			if err := rt.bus.Publish(move); err != nil {
				s.logger.Printf("session=%s publish move %s to %s: %v", rt.session.ID, move.ID, move.To, err)
				continue
			}
			published++
		}

		for _, offer := range p.Offers() {
			if err := s.store.UpsertOffer(ctx, offer); err != nil {
				s.logger.Printf("session=%s upsert offer %s: %v", rt.session.ID, offer.ID, err)
			}
		}
	}

	if published == 0 && s.allSatisfied(rt) {
		rt.session.Status = domain.SessionStatusAgreed
		s.logger.Printf("session=%s consensus reached at turn %d", rt.session.ID, turn)
	} else if turn >= s.cfg.MaxTurns {
		rt.session.Status = domain.SessionStatusExhausted
		rt.session.LastError = fmt.Sprintf("turn cap %d reached without consensus", s.cfg.MaxTurns)
		s.logger.Printf("session=%s exhausted at turn %d", rt.session.ID, turn)
	}

	rt.session.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, rt.session); err != nil {
		return rt.session, fmt.Errorf("update session: %w", err)
	}
	return rt.session, nil
}

// deliver drains the party's inbox. Malformed or inconsistent moves are
// dropped with a logged decision; the turn proceeds regardless.
func (s *Service) deliver(ctx context.Context, rt *runtime, p *party.Party) {
	ch := rt.inboxes[p.ID()]
	for {
		select {
		case move := <-ch:
			if err := wire.Validate(move); err != nil {
				s.logger.Printf("session=%s party=%s dropped incoming move: %v", rt.session.ID, p.ID(), err)
				s.logDrop(ctx, rt.session.ID, p.ID(), move, err)
				continue
			}
			if err := p.Receive(move); err != nil {
				s.logger.Printf("session=%s party=%s dropped %s from %s: %v",
					rt.session.ID, p.ID(), string(move.Kind), move.From, err)
				s.logDrop(ctx, rt.session.ID, p.ID(), move, err)
			}
		default:
			return
		}
	}
}

func (s *Service) logDrop(ctx context.Context, sessionID, partyID string, move domain.Move, cause error) {
	err := s.store.LogDecision(ctx, domain.DecisionLog{
		SessionID: sessionID,
		Actor:     partyID,
		Action:    "move_dropped",
		Reason:    cause.Error(),
		Payload: mustJSON(map[string]any{
			"move_id": move.ID,
			"kind":    string(move.Kind),
			"from":    move.From,
		}),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("session=%s log dropped move: %v", sessionID, err)
	}
}

func (s *Service) allSatisfied(rt *runtime) bool {
	for _, p := range rt.parties {
		if !p.IsSatisfied() {
			return false
		}
	}
	return true
}

// ForceColour registers a one-shot human override on a party's node. The
// override takes effect on the party's next turn.
func (s *Service) ForceColour(sessionID, partyID, nodeID, colour string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	p, ok := rt.parties[partyID]
	if !ok {
		return fmt.Errorf("party %s is not part of session %s", partyID, sessionID)
	}
	if err := p.ForceColour(nodeID, colour); err != nil {
		return err
	}
	s.logger.Printf("session=%s party=%s forced %s=%s", sessionID, partyID, nodeID, colour)
	return nil
}

// ResetPhase clears learned impossibilities and standing commitments on every
// party, opening a new negotiation phase on the same session.
func (s *Service) ResetPhase(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	for _, p := range rt.parties {
		p.ResetPhase()
	}
	if rt.session.Status == domain.SessionStatusAgreed || rt.session.Status == domain.SessionStatusExhausted {
		rt.session.Status = domain.SessionStatusRunning
	}
	s.logger.Printf("session=%s phase reset", sessionID)
	return nil
}

// GetSession prefers the live runtime record and falls back to the store for
// sessions from earlier process lifetimes.
func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.Lock()
	rt, ok := s.runtimes[sessionID]
	s.mu.Unlock()
	if ok {
		return rt.session, nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.store.ListSessions(ctx)
}

func (s *Service) ListMoves(ctx context.Context, sessionID string) ([]domain.Move, error) {
	return s.store.ListMoves(ctx, sessionID)
}

func (s *Service) ListOffers(ctx context.Context, sessionID string) ([]domain.Offer, error) {
	return s.store.ListOffers(ctx, sessionID)
}

func (s *Service) ListDecisions(ctx context.Context, sessionID string) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, sessionID)
}

// PartyStates snapshots every party of a live session, sorted by id.
func (s *Service) PartyStates(sessionID string) ([]domain.PartyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	out := make([]domain.PartyState, 0, len(rt.parties))
	for _, id := range rt.order {
		out = append(out, rt.parties[id].State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// decisionRecorder forwards party audit events into the decision log.
type decisionRecorder struct {
	svc       *Service
	sessionID string
}

func (r *decisionRecorder) Record(actor, action, reason string, payload any) {
	err := r.svc.store.LogDecision(context.Background(), domain.DecisionLog{
		SessionID: r.sessionID,
		Actor:     actor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.svc.logger.Printf("session=%s log decision %s/%s: %v", r.sessionID, actor, action, err)
	}
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}
