package game

import (
	"crypto/subtle"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const MaxNameLength = 32

// Join binds connID to the player called name.
//
// A new name is only accepted in the lobby. A known name is a reconnection and is
// accepted in any state: the player keeps its score and answers and gets a snapshot
// of where the game is.
func (s *Session) Join(connID, name string) ([]Envelope, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("player name must be 1 to %d characters", MaxNameLength))
	}

	if connID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing connection"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}

	if other := s.playerByConnLocked(connID); other != nil && other.Name != name {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("connection already joined as %q", other.Name))
	}

	s.lastActive = s.clock.Now()

	if p, ok := s.players[name]; ok {
		return s.reconnectLocked(p, connID), nil
	}

	if s.state != domain.StateLobby {
		return nil, errors.New(errors.CodeSessionAlreadyStarted,
			errors.WithMessagef("session %s already started, %q cannot join", s.code, name))
	}

	p := &domain.Player{
		Name:      name,
		ConnID:    connID,
		Connected: true,
		Answers:   make(map[int]domain.Answer),
		JoinOrder: len(s.joined),
	}
	s.players[name] = p
	s.joined = append(s.joined, p)

	if connID == s.host.connID && s.host.player == "" {
		s.host.player = name
	}

	envs := []Envelope{{
		To:    []string{connID},
		Event: EventJoinedSession,
		Data:  s.joinedLocked(p, false),
	}}

	if others := s.recipientsExceptLocked(connID); len(others) > 0 {
		envs = append(envs, Envelope{
			To:    others,
			Event: EventPlayerJoined,
			Data:  PlayerJoined{PlayerName: name, TotalPlayers: len(s.joined)},
		})
	}

	slog.Info("game: player joined", "session", s.code, "player", name, "players", len(s.joined))
	return envs, nil
}

func (s *Session) reconnectLocked(p *domain.Player, connID string) []Envelope {
	if p.ConnID != "" && p.ConnID != connID {
		slog.Info("game: player connection replaced", "session", s.code, "player", p.Name)
	}

	p.ConnID = connID
	p.Connected = true

	if p.Name == s.host.player {
		s.host.connID = connID
		s.host.connected = true
	}

	slog.Info("game: player reconnected", "session", s.code, "player", p.Name, "state", s.state)

	return []Envelope{{
		To:    []string{connID},
		Event: EventJoinedSession,
		Data:  s.joinedLocked(p, true),
	}}
}

// ReclaimHost gives the host role to connID when it presents the token issued with
// the session. A host that also plays is reconnected as that player.
func (s *Session) ReclaimHost(connID, token string) ([]Envelope, error) {
	if connID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing connection"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}

	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.host.token)) != 1 {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("invalid host token"))
	}

	if other := s.playerByConnLocked(connID); other != nil && other.Name != s.host.player {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("connection already joined as %q", other.Name))
	}

	s.lastActive = s.clock.Now()

	if p, ok := s.players[s.host.player]; ok {
		return s.reconnectLocked(p, connID), nil
	}

	s.host.connID = connID
	s.host.connected = true

	slog.Info("game: host reconnected", "session", s.code, "state", s.state)

	return []Envelope{{
		To:    []string{connID},
		Event: EventHostReconnected,
		Data:  s.hostReconnectedLocked(),
	}}, nil
}

// Disconnect marks the player bound to connID as gone. The player, its score and
// answers stay. A question that was only waiting on that player closes right away.
func (s *Session) Disconnect(connID string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || connID == "" {
		return nil
	}

	if connID == s.host.connID {
		s.host.connected = false
	}

	p := s.playerByConnLocked(connID)
	if p == nil {
		return nil
	}

	p.ConnID = ""
	p.Connected = false
	s.lastActive = s.clock.Now()

	var envs []Envelope
	if to := s.recipientsLocked(); len(to) > 0 {
		envs = append(envs, Envelope{
			To:    to,
			Event: EventPlayerLeft,
			Data:  PlayerLeft{PlayerName: p.Name, Connected: s.connectedCountLocked()},
		})
	}

	if s.state == domain.StateQuestionActive && s.allAnsweredLocked() {
		envs = append(envs, s.closeQuestionLocked(s.current, domain.TriggerAllAnswered)...)
	}

	slog.Info("game: player disconnected", "session", s.code, "player", p.Name)
	return envs
}

// Player returns a copy of the named player.
func (s *Session) Player(name string) (domain.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[name]
	if !ok {
		return domain.Player{}, false
	}

	cp := *p
	cp.Answers = maps.Clone(p.Answers)
	return cp, true
}

// IsHost reports whether connID currently holds the host role.
func (s *Session) IsHost(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host.connected && connID == s.host.connID
}

func (s *Session) joinedLocked(p *domain.Player, reconnected bool) JoinedSession {
	j := JoinedSession{
		Code:           s.code,
		PlayerName:     p.Name,
		Reconnected:    reconnected,
		IsHost:         p.ConnID == s.host.connID,
		State:          s.state,
		Score:          p.Score,
		TotalQuestions: len(s.questions),
	}

	switch s.state {
	case domain.StateQuestionActive, domain.StateQuestionResults:
		_, answered := p.Answers[s.current]
		q := s.questionViewLocked(answered)
		j.CurrentQuestion = &q
		j.AlreadyAnswered = answered

		if s.state == domain.StateQuestionActive {
			r := s.remainingLocked(s.clock.Now())
			j.RemainingSeconds = &r
		} else {
			j.Leaderboard = LeaderboardRows(s.leaderboardLocked())
		}
	case domain.StateGameOver:
		j.Leaderboard = LeaderboardRows(s.leaderboardLocked())
	}

	return j
}

func (s *Session) hostReconnectedLocked() HostReconnected {
	h := HostReconnected{
		Code:           s.code,
		State:          s.state,
		TotalQuestions: len(s.questions),
		TotalPlayers:   len(s.joined),
		Connected:      s.connectedCountLocked(),
	}

	switch s.state {
	case domain.StateQuestionActive, domain.StateQuestionResults:
		q := s.questionViewLocked(false)
		h.CurrentQuestion = &q
		if s.state == domain.StateQuestionActive {
			r := s.remainingLocked(s.clock.Now())
			h.RemainingSeconds = &r
		}
		h.Leaderboard = LeaderboardRows(s.leaderboardLocked())
	case domain.StateGameOver:
		h.Leaderboard = LeaderboardRows(s.leaderboardLocked())
	}

	return h
}

func (s *Session) questionViewLocked(alreadyAnswered bool) QuestionView {
	q := s.questions[s.current]
	return QuestionView{
		QuestionIndex:   s.current,
		QuestionNumber:  s.current + 1,
		TotalQuestions:  len(s.questions),
		Text:            q.Text,
		Answers:         slices.Clone(q.Answers),
		TimeLimit:       ceilSeconds(s.timeLimit),
		AlreadyAnswered: alreadyAnswered,
	}
}

func (s *Session) remainingLocked(now time.Time) int {
	return ceilSeconds(s.deadline.Sub(now))
}

func (s *Session) playerByConnLocked(connID string) *domain.Player {
	for _, p := range s.joined {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

// recipientsLocked lists every live connection of the session: connected players
// and the host.
func (s *Session) recipientsLocked() []string {
	to := make([]string, 0, len(s.joined)+1)
	if s.host.connected && s.host.connID != "" {
		to = append(to, s.host.connID)
	}

	for _, p := range s.joined {
		if p.Connected && p.ConnID != s.host.connID {
			to = append(to, p.ConnID)
		}
	}

	return to
}

func (s *Session) recipientsExceptLocked(connID string) []string {
	return slices.DeleteFunc(s.recipientsLocked(), func(id string) bool { return id == connID })
}

func (s *Session) connectedCountLocked() int {
	var n int
	for _, p := range s.joined {
		if p.Connected {
			n++
		}
	}
	return n
}

func (s *Session) answeredCountLocked() int {
	var n int
	for _, p := range s.joined {
		if _, ok := p.Answers[s.current]; ok {
			n++
		}
	}
	return n
}

// allAnsweredLocked reports whether every connected player answered the current
// question. Disconnected players are not waited for, and nobody connected means
// the question runs to its deadline.
func (s *Session) allAnsweredLocked() bool {
	var connected int
	for _, p := range s.joined {
		if !p.Connected {
			continue
		}
		connected++
		if _, ok := p.Answers[s.current]; !ok {
			return false
		}
	}
	return connected > 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
